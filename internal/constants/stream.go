package constants

import "time"

// StreamState is a state of the stream client's connection lifecycle.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateError        StreamState = "error"
	StateClosed       StreamState = "closed"
)

const (
	// DefaultReconnectDelay is the flat spacing between reconnect cycles.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultAuthTimeout bounds a single session request.
	DefaultAuthTimeout = 15 * time.Second

	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteWorkers is the number of store writers.
	DefaultWriteWorkers = 4

	// DefaultWriteTimeout bounds a single store upsert.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultDrainTimeout is how long Stop waits for queued store writes.
	DefaultDrainTimeout = 5 * time.Second
)

// DevicesCollection is the document collection holding one record per device.
const DevicesCollection = "devices"

// MinServerVersion is the oldest tracking server version known to push
// positions and devices over the socket endpoint.
const MinServerVersion = ">= 5.0"
