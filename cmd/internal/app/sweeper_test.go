package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"portal/cmd/internal/auth/session"
)

type sweepFunc func(context.Context) (session.SweepResult, error)

func (f sweepFunc) Sweep(ctx context.Context) (session.SweepResult, error) { return f(ctx) }

func TestRunSweep_LogsOutcome(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		res     session.SweepResult
		err     error
		wantMsg string
	}{
		{name: "done", res: session.SweepResult{Expired: 3, Dangling: 1}, wantMsg: "session.sweep.done"},
		{name: "fail", err: errors.New("redis down"), wantMsg: "session.sweep.fail"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			log := slog.New(slog.NewJSONHandler(&buf, nil))
			var deadline bool
			runSweep(log, sweepFunc(func(ctx context.Context) (session.SweepResult, error) {
				_, deadline = ctx.Deadline()
				return tc.res, tc.err
			}), time.Second)

			if !deadline {
				t.Fatalf("sweep must run with a deadline")
			}
			if !strings.Contains(buf.String(), tc.wantMsg) {
				t.Fatalf("log %q missing %q", buf.String(), tc.wantMsg)
			}
		})
	}
}

func TestNewSweepScheduler_RejectsBadSpec(t *testing.T) {
	t.Parallel()

	noop := sweepFunc(func(context.Context) (session.SweepResult, error) { return session.SweepResult{}, nil })
	if _, err := NewSweepScheduler(slog.Default(), "not a schedule", noop, time.Second); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
	c, err := NewSweepScheduler(slog.Default(), "@every 5m", noop, time.Second)
	if err != nil {
		t.Fatalf("NewSweepScheduler: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("entries: %d", len(c.Entries()))
	}
}
