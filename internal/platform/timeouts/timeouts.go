// Package timeouts defines shared timeout constants used across the relay.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// WSWrite caps a single websocket frame write so one stuck socket cannot
// wedge its writer goroutine indefinitely.
const WSWrite = 5 * time.Second
