// Package protocol defines the wire format shared by the connection
// manager and the remote endpoint.
//
// One Message per frame. Text frames are JSON; binary frames use a
// length-prefixed layout (see EncodeBinary). Four reserved type values
// implement the heartbeat (ping/pong) and channel control
// (subscribe/unsubscribe) protocols; every other type is application data.
package protocol
