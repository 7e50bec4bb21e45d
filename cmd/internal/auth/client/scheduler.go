package authclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SchedState is a renewal scheduler state.
type SchedState uint8

const (
	StateIdle SchedState = iota
	StateArmed
	StateFiring
)

func (s SchedState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type schedEvent uint8

const (
	evArm schedEvent = iota
	evFire
	evSucceed
	evFail
	evCancel
)

// transitions is the complete state table. A missing entry is an invalid
// transition and leaves the state unchanged.
var transitions = map[SchedState]map[schedEvent]SchedState{
	StateIdle: {
		evArm:    StateArmed,
		evCancel: StateIdle,
	},
	StateArmed: {
		evArm:    StateArmed,
		evFire:   StateFiring,
		evCancel: StateIdle,
	},
	StateFiring: {
		evArm:     StateArmed,
		evSucceed: StateArmed,
		evFail:    StateIdle,
		evCancel:  StateIdle,
	},
}

// RenewFunc performs one renewal and returns the new access-token expiry.
type RenewFunc func(ctx context.Context) (time.Time, error)

// RenewalDelay is max(expiresAt - now - margin, minDelay).
func RenewalDelay(now, expiresAt time.Time, margin, minDelay time.Duration) time.Duration {
	d := expiresAt.Sub(now) - margin
	if d < minDelay {
		return minDelay
	}
	return d
}

// Scheduler keeps at most one renewal timer per Client.
//
// Every Arm or Cancel bumps a generation counter; a timer or renewal result
// from an older generation is ignored, so a superseded callback can never
// re-arm or force a logout.
type Scheduler struct {
	log      *slog.Logger
	clock    Clock
	margin   time.Duration
	minDelay time.Duration
	timeout  time.Duration
	renew    RenewFunc
	onFail   func(error)

	mu     sync.Mutex
	state  SchedState
	gen    uint64
	timer  Timer
	nextAt time.Time
	cancel context.CancelFunc
}

// NewScheduler constructs an idle Scheduler. onFail runs, outside the lock,
// once per failed timer-driven renewal.
func NewScheduler(log *slog.Logger, clock Clock, cfg Config, renew RenewFunc, onFail func(error)) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{
		log:      log,
		clock:    clock,
		margin:   cfg.SafetyMargin,
		minDelay: cfg.MinDelay,
		timeout:  cfg.RefreshTimeout,
		renew:    renew,
		onFail:   onFail,
	}
}

// must be called with s.mu held.
func (s *Scheduler) apply(ev schedEvent) bool {
	next, ok := transitions[s.state][ev]
	if !ok {
		return false
	}
	s.state = next
	return true
}

// must be called with s.mu held.
func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.nextAt = time.Time{}
}

// Arm cancels any pending timer and schedules renewal for expiresAt.
// It returns the time renewal will fire.
func (s *Scheduler) Arm(expiresAt time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armLocked(expiresAt)
}

func (s *Scheduler) armLocked(expiresAt time.Time) time.Time {
	s.stopLocked()
	s.apply(evArm)
	s.gen++
	gen := s.gen

	now := s.clock.Now()
	d := RenewalDelay(now, expiresAt, s.margin, s.minDelay)
	s.nextAt = now.Add(d)
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })

	s.log.Debug("client.scheduler.armed", "in", d, "expires_at", expiresAt)
	return s.nextAt
}

// Cancel stops any pending timer or in-flight renewal and returns to Idle.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.apply(evCancel)
	s.gen++
}

// State returns the current state.
func (s *Scheduler) State() SchedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextRenewal returns when the pending timer fires.
func (s *Scheduler) NextRenewal() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateArmed {
		return time.Time{}, false
	}
	return s.nextAt, true
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.apply(evFire) {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.nextAt = time.Time{}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.cancel = cancel
	s.mu.Unlock()

	exp, err := s.renew(ctx)
	cancel()

	s.mu.Lock()
	if gen != s.gen {
		// Re-armed or cancelled while the renewal was in flight.
		s.mu.Unlock()
		return
	}
	s.cancel = nil
	if err != nil {
		s.apply(evFail)
		s.gen++
		s.mu.Unlock()

		s.log.Warn("client.scheduler.renew.fail", "err", err)
		if s.onFail != nil {
			s.onFail(err)
		}
		return
	}
	s.apply(evSucceed)
	s.armLocked(exp)
	s.mu.Unlock()
}
