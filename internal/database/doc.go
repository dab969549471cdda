// Package database provides the TimescaleDB connection pool used by the
// stream recorder. Recorded frames are time-series data; nothing else in
// the manager touches a database.
package database
