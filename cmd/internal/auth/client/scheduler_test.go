package authclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRenewalDelay(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		exp  time.Time
		want time.Duration
	}{
		{name: "fifteen minute token", exp: now.Add(15 * time.Minute), want: 13 * time.Minute},
		{name: "inside margin", exp: now.Add(time.Minute), want: 10 * time.Second},
		{name: "already expired", exp: now.Add(-time.Hour), want: 10 * time.Second},
		{name: "exactly at floor", exp: now.Add(2*time.Minute + 10*time.Second), want: 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := RenewalDelay(now, tc.exp, 2*time.Minute, 10*time.Second); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func schedConfig() Config {
	cfg := DefaultConfig()
	cfg.RefreshTimeout = time.Second
	return cfg
}

func TestScheduler_ArmFireSucceedRearms(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	var calls atomic.Int32
	renew := func(context.Context) (time.Time, error) {
		calls.Add(1)
		return clk.Now().Add(15 * time.Minute), nil
	}
	s := NewScheduler(nil, clk, schedConfig(), renew, func(error) { t.Errorf("onFail must not run") })

	if s.State() != StateIdle {
		t.Fatalf("initial state: %s", s.State())
	}
	at := s.Arm(clk.Now().Add(15 * time.Minute))
	if want := clk.Now().Add(13 * time.Minute); !at.Equal(want) {
		t.Fatalf("armed at %v want %v", at, want)
	}
	if s.State() != StateArmed || clk.pending() != 1 {
		t.Fatalf("state=%s pending=%d", s.State(), clk.pending())
	}

	clk.Advance(13 * time.Minute)
	if calls.Load() != 1 {
		t.Fatalf("renew calls: %d", calls.Load())
	}
	next, ok := s.NextRenewal()
	if !ok || !next.Equal(clk.Now().Add(13*time.Minute)) {
		t.Fatalf("next renewal: %v ok=%v", next, ok)
	}
	if clk.pending() != 1 {
		t.Fatalf("exactly one timer must be pending, got %d", clk.pending())
	}
}

func TestScheduler_FailureGoesIdleAndReportsOnce(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	boom := errors.New("refresh rejected")
	var failures atomic.Int32
	var got error
	s := NewScheduler(nil, clk, schedConfig(),
		func(context.Context) (time.Time, error) { return time.Time{}, boom },
		func(err error) { failures.Add(1); got = err })

	s.Arm(clk.Now().Add(time.Minute))
	clk.Advance(10 * time.Second)
	clk.Advance(time.Hour)

	if failures.Load() != 1 || !errors.Is(got, boom) {
		t.Fatalf("failures=%d err=%v", failures.Load(), got)
	}
	if s.State() != StateIdle || clk.pending() != 0 {
		t.Fatalf("state=%s pending=%d", s.State(), clk.pending())
	}
	if _, ok := s.NextRenewal(); ok {
		t.Fatalf("idle scheduler has no next renewal")
	}
}

func TestScheduler_CancelAndRearmSupersedeOldTimers(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	var calls atomic.Int32
	s := NewScheduler(nil, clk, schedConfig(), func(context.Context) (time.Time, error) {
		calls.Add(1)
		return clk.Now().Add(15 * time.Minute), nil
	}, nil)

	s.Arm(clk.Now().Add(15 * time.Minute))
	s.Arm(clk.Now().Add(30 * time.Minute))
	if clk.pending() != 1 {
		t.Fatalf("re-arm must stop the previous timer, pending=%d", clk.pending())
	}
	clk.Advance(13 * time.Minute)
	if calls.Load() != 0 {
		t.Fatalf("superseded timer fired")
	}

	s.Cancel()
	if s.State() != StateIdle || clk.pending() != 0 {
		t.Fatalf("state=%s pending=%d", s.State(), clk.pending())
	}
	clk.Advance(time.Hour)
	if calls.Load() != 0 {
		t.Fatalf("cancelled timer fired")
	}

	// A stale callback that slipped past Stop is ignored by generation.
	s.Arm(clk.Now().Add(15 * time.Minute))
	s.mu.Lock()
	stale := s.gen - 1
	s.mu.Unlock()
	s.fire(stale)
	if calls.Load() != 0 || s.State() != StateArmed {
		t.Fatalf("stale fire ran: calls=%d state=%s", calls.Load(), s.State())
	}
}

func TestScheduler_RearmDuringFiringDropsResult(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	var s *Scheduler
	var failures atomic.Int32
	manual := clk.Now().Add(time.Hour)

	s = NewScheduler(nil, clk, schedConfig(), func(ctx context.Context) (time.Time, error) {
		if s.State() != StateFiring {
			t.Errorf("renew should run in firing state, got %s", s.State())
		}
		// A login lands while renewal is in flight.
		s.Arm(manual)
		<-ctx.Done()
		return time.Time{}, ctx.Err()
	}, func(error) { failures.Add(1) })

	s.Arm(clk.Now().Add(15 * time.Minute))
	clk.Advance(13 * time.Minute)

	if failures.Load() != 0 {
		t.Fatalf("superseded renewal must not report failure")
	}
	next, ok := s.NextRenewal()
	if !ok || !next.Equal(clk.Now().Add(45*time.Minute)) {
		t.Fatalf("next renewal: %v ok=%v", next, ok)
	}
}

func TestScheduler_TimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	cfg := schedConfig()
	cfg.RefreshTimeout = 20 * time.Millisecond

	var got error
	s := NewScheduler(nil, clk, cfg, func(ctx context.Context) (time.Time, error) {
		<-ctx.Done()
		return time.Time{}, ctx.Err()
	}, func(err error) { got = err })

	s.Arm(clk.Now())
	clk.Advance(cfg.MinDelay)

	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", got)
	}
	if s.State() != StateIdle {
		t.Fatalf("state: %s", s.State())
	}
}

func TestSchedState_String(t *testing.T) {
	t.Parallel()
	if StateFiring.String() != "firing" || SchedState(9).String() != "state(9)" {
		t.Fatalf("unexpected names")
	}
}
