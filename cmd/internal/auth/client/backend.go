package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Backend names.
const (
	BackendDurable = "durable"
	BackendSession = "session"
	BackendCookie  = "cookie"
)

// Backend is one persistence location for the token Record.
type Backend interface {
	Name() string
	// Available reports whether the backend can currently be used.
	Available() bool
	// Load returns the stored record. ok is false when nothing is stored.
	Load(ctx context.Context) (rec Record, ok bool, err error)
	Save(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// MemoryBackend is the session-scoped backend: it lives as long as the
// process. SetAvailable(false) simulates a context where it is disabled.
type MemoryBackend struct {
	mu       sync.Mutex
	rec      Record
	ok       bool
	disabled bool
}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (b *MemoryBackend) Name() string { return BackendSession }

func (b *MemoryBackend) SetAvailable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = !v
}

func (b *MemoryBackend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disabled
}

func (b *MemoryBackend) Load(context.Context) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return Record{}, false, ErrBackendUnavailable
	}
	return b.rec.clone(), b.ok, nil
}

func (b *MemoryBackend) Save(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return ErrBackendUnavailable
	}
	b.rec, b.ok = rec.clone(), true
	return nil
}

func (b *MemoryBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return ErrBackendUnavailable
	}
	b.rec, b.ok = Record{}, false
	return nil
}

const fileVersion = 1

type fileState struct {
	V      int    `json:"v"`
	Record Record `json:"record"`
}

// FileBackend is the durable backend: a JSON file readable only by its owner,
// replaced atomically on every write. Several contexts may share one file.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

func NewFileBackend(path string) *FileBackend { return &FileBackend{path: strings.TrimSpace(path)} }

func (b *FileBackend) Name() string { return BackendDurable }

func (b *FileBackend) Available() bool {
	if b.path == "" {
		return false
	}
	return os.MkdirAll(filepath.Dir(b.path), 0o700) == nil
}

func (b *FileBackend) Load(context.Context) (Record, bool, error) {
	if b.path == "" {
		return Record{}, false, ErrBackendUnavailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var st fileState
	if err := json.Unmarshal(raw, &st); err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", b.path, err)
	}
	if st.V != fileVersion {
		return Record{}, false, fmt.Errorf("unsupported store version %d", st.V)
	}
	return st.Record, !st.Record.Empty(), nil
}

func (b *FileBackend) Save(_ context.Context, rec Record) error {
	if !b.Available() {
		return ErrBackendUnavailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := json.Marshal(fileState{V: fileVersion, Record: rec})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, b.path)
}

func (b *FileBackend) Clear(context.Context) error {
	if b.path == "" {
		return ErrBackendUnavailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CookieBackend mirrors the access token into a cookie jar so requests that
// cannot set headers still carry it. It holds no refresh token or profile.
type CookieBackend struct {
	jar         http.CookieJar
	u           *url.URL
	accessName  string
	sessionName string
}

func NewCookieBackend(jar http.CookieJar, base *url.URL, accessName, sessionName string) *CookieBackend {
	return &CookieBackend{jar: jar, u: base, accessName: accessName, sessionName: sessionName}
}

func (b *CookieBackend) Name() string { return BackendCookie }

func (b *CookieBackend) Available() bool { return b.jar != nil && b.u != nil }

func (b *CookieBackend) cookie(name, value string, exp time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Secure:   b.u.Scheme == "https",
		SameSite: http.SameSiteLaxMode,
	}
	if exp.IsZero() {
		c.MaxAge = -1
	} else {
		c.Expires = exp
	}
	return c
}

func (b *CookieBackend) Load(context.Context) (Record, bool, error) {
	if !b.Available() {
		return Record{}, false, ErrBackendUnavailable
	}
	var access, sess string
	for _, c := range b.jar.Cookies(b.u) {
		switch c.Name {
		case b.accessName:
			access = c.Value
		case b.sessionName:
			sess = c.Value
		}
	}
	if access == "" || sess == "" {
		return Record{}, false, nil
	}

	// <sessionId>.<expiresAt unix ms>
	i := strings.LastIndexByte(sess, '.')
	if i <= 0 {
		return Record{}, false, nil
	}
	ms, err := strconv.ParseInt(sess[i+1:], 10, 64)
	if err != nil {
		return Record{}, false, nil
	}
	return Record{
		AccessToken: access,
		SessionID:   sess[:i],
		ExpiresAt:   time.UnixMilli(ms).UTC(),
	}, true, nil
}

func (b *CookieBackend) Save(_ context.Context, rec Record) error {
	if !b.Available() {
		return ErrBackendUnavailable
	}
	b.jar.SetCookies(b.u, []*http.Cookie{
		b.cookie(b.accessName, rec.AccessToken, rec.ExpiresAt),
		b.cookie(b.sessionName, rec.SessionID+"."+strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10), rec.ExpiresAt),
	})
	return nil
}

func (b *CookieBackend) Clear(context.Context) error {
	if !b.Available() {
		return ErrBackendUnavailable
	}
	b.jar.SetCookies(b.u, []*http.Cookie{
		b.cookie(b.accessName, "", time.Time{}),
		b.cookie(b.sessionName, "", time.Time{}),
	})
	return nil
}
