package session

import (
	"context"
	"time"
)

// EventKind names a session lifecycle event pushed to connected clients.
type EventKind string

const (
	EventSessionRevoked     EventKind = "session.revoked"
	EventSessionsRevokedAll EventKind = "sessions.revoked_all"
)

// Event is published after a revocation has been committed to the store.
type Event struct {
	Kind      EventKind
	UserID    string
	SessionID string
	Count     int
	Reason    string
	At        time.Time
}

// Publisher fans session events out to interested transports.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
