package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)

	for i := range 3 {
		if !rl.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(5 * time.Second)) {
		t.Fatalf("fourth event inside the window should be rejected")
	}
	// The first event leaves the window after 10s.
	if !rl.Allow(base.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("event after the window slid should be allowed")
	}
}

func TestRateLimiter_InvalidInputsFallBackToDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("got limit=%d window=%v", rl.limit, rl.window)
	}
}
