package authclient

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WriteReport records the per-backend outcome of a fan-out write.
type WriteReport struct {
	Written []string
	Failed  map[string]error
}

// Partial reports whether some, but not all, targeted backends failed.
func (r WriteReport) Partial() bool { return len(r.Written) > 0 && len(r.Failed) > 0 }

func (r *WriteReport) record(name string, err error) {
	if err == nil {
		r.Written = append(r.Written, name)
		return
	}
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[name] = err
}

// Store persists the token Record across ordered backends.
//
// Reads try backends in precedence order and return the first usable hit.
// With "remember me" the order is durable, session, cookie; otherwise
// session, durable, cookie. Writes go to the authoritative backend and the
// cookie mirror and clear the other primary. A failing backend is logged and
// skipped.
type Store struct {
	log     *slog.Logger
	now     func() time.Time
	durable Backend
	session Backend
	cookie  Backend

	mu         sync.Mutex
	rememberMe bool
}

// NewStore constructs a Store. Any backend may be nil.
func NewStore(log *slog.Logger, now func() time.Time, durable, session, cookie Backend) *Store {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{log: log, now: now, durable: durable, session: session, cookie: cookie}
}

// Precedence returns the read order for the given remember-me flag.
func (s *Store) Precedence(rememberMe bool) []Backend {
	order := []Backend{s.session, s.durable, s.cookie}
	if rememberMe {
		order = []Backend{s.durable, s.session, s.cookie}
	}
	out := order[:0]
	for _, b := range order {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (s *Store) remembered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rememberMe
}

// Load returns the first usable record and the backend it came from.
func (s *Store) Load(ctx context.Context) (Record, string, bool) {
	now := s.now()
	for _, b := range s.Precedence(s.remembered()) {
		if !b.Available() {
			s.log.Debug("client.store.read.skip", "backend", b.Name())
			continue
		}
		rec, ok, err := b.Load(ctx)
		if err != nil {
			s.log.Warn("client.store.read.fail", "backend", b.Name(), "err", err)
			continue
		}
		if !ok || !rec.Usable(now) {
			continue
		}
		s.mu.Lock()
		if b.Name() != BackendCookie {
			s.rememberMe = rec.RememberMe
		}
		s.mu.Unlock()
		return rec, b.Name(), true
	}
	return Record{}, "", false
}

// LoadDurable reads only the durable backend. Contexts sharing the durable
// file use it to adopt a pair another context already rotated.
func (s *Store) LoadDurable(ctx context.Context) (Record, bool) {
	if s.durable == nil || !s.durable.Available() {
		return Record{}, false
	}
	rec, ok, err := s.durable.Load(ctx)
	if err != nil {
		s.log.Warn("client.store.read.fail", "backend", s.durable.Name(), "err", err)
		return Record{}, false
	}
	return rec, ok
}

// Save writes rec to the authoritative backend and the cookie mirror.
// It fails with ErrStorageUnavailable only when nothing was written.
func (s *Store) Save(ctx context.Context, rec Record) (WriteReport, error) {
	primary, other := s.session, s.durable
	if rec.RememberMe {
		primary, other = s.durable, s.session
	}

	var rep WriteReport
	for _, b := range []Backend{primary, s.cookie} {
		if b == nil {
			continue
		}
		if !b.Available() {
			rep.record(b.Name(), ErrBackendUnavailable)
			continue
		}
		rep.record(b.Name(), b.Save(ctx, rec))
	}
	if other != nil && other.Available() {
		if err := other.Clear(ctx); err != nil {
			s.log.Warn("client.store.clear.fail", "backend", other.Name(), "err", err)
		}
	}

	s.mu.Lock()
	s.rememberMe = rec.RememberMe
	s.mu.Unlock()

	if rep.Partial() {
		s.log.Warn("client.store.write.partial", "written", rep.Written, "failed", len(rep.Failed))
	}
	if len(rep.Written) == 0 {
		s.log.Error("client.store.write.fail", "failed", len(rep.Failed))
		return rep, ErrStorageUnavailable
	}
	return rep, nil
}

// Clear removes the record from every backend. Partial success is accepted.
func (s *Store) Clear(ctx context.Context) WriteReport {
	var rep WriteReport
	for _, b := range []Backend{s.durable, s.session, s.cookie} {
		if b == nil {
			continue
		}
		if !b.Available() {
			rep.record(b.Name(), ErrBackendUnavailable)
			continue
		}
		rep.record(b.Name(), b.Clear(ctx))
	}
	if len(rep.Failed) > 0 {
		s.log.Warn("client.store.clear.partial", "cleared", rep.Written, "failed", len(rep.Failed))
	}
	return rep
}
