package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"portal/cmd/internal/auth/session"
	v1 "portal/shared/contracts/authevents/v1"
)

// Hub tracks live connections per user and delivers session events to them.
//
// Hub implements session.Publisher for single-node deployments. Multi-node
// deployments publish through RedisPublisher and feed every node's Hub from
// a Subscriber.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu    sync.RWMutex
	users map[string]map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		users: make(map[string]map[string]*Client),
	}
}

// Register adds a client to its user's connection set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		h.users[c.UserID] = conns
	}
	conns[c.ID] = c
}

// Unregister removes a client. Unknown clients are ignored.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[c.UserID]
	if !ok {
		return
	}
	delete(conns, c.ID)
	if len(conns) == 0 {
		delete(h.users, c.UserID)
	}
}

// Connections returns the number of live connections for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Publish delivers ev to the local connections of its user.
func (h *Hub) Publish(_ context.Context, ev session.Event) error {
	env, err := EnvelopeForEvent(ev, h.now())
	if err != nil {
		return err
	}
	h.Deliver(ev.UserID, env)
	return nil
}

// Deliver enqueues env for every connection of userID without blocking.
// A client whose queue is full is closed: a dropped revocation would leave
// the connection believing its session is alive.
func (h *Hub) Deliver(userID string, env v1.Envelope) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		select {
		case <-c.Done():
		case c.Send <- env:
			delivered++
		default:
			h.log.Info("ws.deliver.backpressure", "user_id", userID, "conn_id", c.ID, "type", env.Type)
			c.CloseWithReason("slow consumer")
		}
	}
	return delivered
}

// EnvelopeForEvent converts a session event to its wire envelope.
func EnvelopeForEvent(ev session.Event, now time.Time) (v1.Envelope, error) {
	var (
		typ     string
		payload any
	)
	switch ev.Kind {
	case session.EventSessionRevoked:
		typ = v1.TypeSessionRevoked
		payload = v1.SessionRevokedPayload{UserID: ev.UserID, SessionID: ev.SessionID, Reason: ev.Reason}
	case session.EventSessionsRevokedAll:
		typ = v1.TypeSessionsRevokedAll
		payload = v1.SessionsRevokedAllPayload{UserID: ev.UserID, Count: ev.Count, Reason: ev.Reason}
	default:
		return v1.Envelope{}, fmt.Errorf("realtime: unknown event kind %q", ev.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	ts := ev.At
	if ts.IsZero() {
		ts = now
	}
	return newEnvelope(typ, raw, ts), nil
}
