// Package timeouts defines shared timeout constants used across the realtime
// surface. Centralizing these values prevents drift between the server and
// client halves of the protocol and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Request caps the wait for a single socket request (join, send, backfill)
// before the caller receives a timeout failure.
const Request = 10 * time.Second

// Heartbeat is the interval between client heartbeat frames. The server
// considers a connection stale after two missed heartbeats.
const Heartbeat = 25 * time.Second
