// Package connection implements the realtime connection manager.
//
// The Manager owns a single WebSocket to the remote endpoint and:
//   - Drives the connection state machine (disconnected, connecting,
//     connected, reconnecting, error)
//   - Recovers abnormal closes with exponential backoff
//   - Probes liveness with heartbeat pings and measures round-trip latency
//   - Buffers outbound messages in a bounded priority-biased queue while
//     offline and drains it on reconnect
//   - Multiplexes inbound frames onto per-channel subscriptions and a
//     named-event bus
package connection
