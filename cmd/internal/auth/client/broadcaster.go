package authclient

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventKind names an authentication state transition.
type EventKind string

const (
	EventLogin        EventKind = "login"
	EventRefresh      EventKind = "refresh"
	EventRestore      EventKind = "restore"
	EventLogout       EventKind = "logout"
	EventForcedLogout EventKind = "forced_logout"
)

// Event is delivered to observers after a transition has been applied.
type Event struct {
	Kind  EventKind
	State State
	At    time.Time
	// Err is the cause of a forced logout.
	Err error
}

// Observer receives state transitions. A returned error or a panic is logged
// and does not affect other observers.
type Observer func(Event) error

// Broadcaster fans events out to registered observers.
type Broadcaster struct {
	log *slog.Logger

	mu        sync.Mutex
	next      uint64
	observers map[uint64]Observer
	order     []uint64
}

func NewBroadcaster(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{log: log, observers: make(map[uint64]Observer)}
}

// Subscribe registers obs and returns a function removing it.
func (b *Broadcaster) Subscribe(obs Observer) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.observers[id] = obs
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.observers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of registered observers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Notify delivers ev to every observer in subscription order.
// Observers run outside the lock and may subscribe or unsubscribe.
func (b *Broadcaster) Notify(ev Event) {
	b.mu.Lock()
	list := make([]Observer, 0, len(b.order))
	for _, id := range b.order {
		list = append(list, b.observers[id])
	}
	b.mu.Unlock()

	for i, obs := range list {
		if err := b.call(obs, ev); err != nil {
			b.log.Warn("client.observer.fail", "event", string(ev.Kind), "observer", i, "err", err)
		}
	}
}

func (b *Broadcaster) call(obs Observer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return obs(ev)
}
