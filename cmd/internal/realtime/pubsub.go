package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"portal/cmd/internal/auth/session"
)

// DefaultEventsChannel is the Redis pub/sub channel carrying session events.
const DefaultEventsChannel = "portal:auth-events"

// wireEvent is the Redis pub/sub encoding of session.Event.
type wireEvent struct {
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Count     int       `json:"count,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// RedisPublisher publishes session events to every node through Redis.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisPublisher returns a session.Publisher backed by Redis PUBLISH.
func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Publish implements session.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev session.Event) error {
	b, err := json.Marshal(wireEvent{
		Kind:      string(ev.Kind),
		UserID:    ev.UserID,
		SessionID: ev.SessionID,
		Count:     ev.Count,
		Reason:    ev.Reason,
		At:        ev.At,
	})
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("realtime: publish: %w", err)
	}
	return nil
}

// Subscriber feeds events from the Redis channel into a local Hub.
type Subscriber struct {
	log     *slog.Logger
	rdb     redis.UniversalClient
	channel string
	hub     *Hub

	readyOnce sync.Once
	ready     chan struct{}
}

// NewSubscriber constructs a Subscriber. Call Run to start it.
func NewSubscriber(log *slog.Logger, rdb redis.UniversalClient, channel string, hub *Hub) *Subscriber {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if channel == "" {
		channel = DefaultEventsChannel
	}
	return &Subscriber{log: log, rdb: rdb, channel: channel, hub: hub, ready: make(chan struct{})}
}

// Ready is closed once the subscription has been confirmed by Redis.
func (s *Subscriber) Ready() <-chan struct{} { return s.ready }

// Run blocks until ctx is done or the subscription fails.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("realtime: subscribe %s: %w", s.channel, err)
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("ws.events.subscribed", "channel", s.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("realtime: subscription channel closed")
			}
			s.dispatch(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, payload string) {
	var w wireEvent
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		s.log.Info("ws.events.decode.fail", "err", err)
		return
	}
	ev := session.Event{
		Kind:      session.EventKind(w.Kind),
		UserID:    w.UserID,
		SessionID: w.SessionID,
		Count:     w.Count,
		Reason:    w.Reason,
		At:        w.At,
	}
	if err := s.hub.Publish(ctx, ev); err != nil {
		s.log.Info("ws.events.dispatch.fail", "kind", w.Kind, "err", err)
	}
}
