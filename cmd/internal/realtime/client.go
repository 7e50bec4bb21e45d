package realtime

import (
	"sync"

	v1 "portal/shared/contracts/authevents/v1"
)

// Client represents one connected websocket for one authenticated session.
//
// Send is never closed by the server, so concurrent deliveries cannot panic.
// done signals goroutines to stop and Close is idempotent.
type Client struct {
	ID        string
	UserID    string
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id, userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 16
	}
	return &Client{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep delivery safe under concurrency.
func (c *Client) Close() { c.CloseWithReason("closed") }

// CloseWithReason is Close recording why. Only the first reason sticks.
func (c *Client) CloseWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Reason returns the close reason once Done is closed.
func (c *Client) Reason() string {
	select {
	case <-c.Done():
		return c.reason
	default:
		return ""
	}
}
