// Package realtime pushes session lifecycle events to connected clients over
// websockets so revocations take effect in every open context.
package realtime
