// Package realtime groups the messaging and presence subsystem: the websocket
// transport, room registry, message bus with per-room sequencing, notification
// fan-out, and the client-side connection manager and dispatcher.
package realtime
