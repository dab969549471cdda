package config

import "time"

// Config is the root configuration for a realtime instance.
type Config struct {
	Endpoint   EndpointConfig   `yaml:"endpoint"`
	Connection ConnectionConfig `yaml:"connection"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Database   DatabaseConfig   `yaml:"database"`
}

// EndpointConfig identifies the remote stream endpoint.
type EndpointConfig struct {
	URL                  string   `yaml:"url"`
	Protocols            []string `yaml:"protocols"`
	EnableCompression    *bool    `yaml:"enable_compression"`     // default true
	EnableBinaryMessages bool     `yaml:"enable_binary_messages"` // default false
}

// ConnectionConfig holds connection manager settings.
type ConnectionConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxMissedHeartbeats  int           `yaml:"max_missed_heartbeats"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	MessageQueueSize     int           `yaml:"message_queue_size"`
	BufferSize           int           `yaml:"buffer_size"`
}

// RecorderConfig holds stream recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Channels      []string      `yaml:"channels"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DatabaseConfig holds the TimescaleDB connection for recorded frames.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
