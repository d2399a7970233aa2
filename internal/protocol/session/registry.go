package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/portmux/internal/channel"
)

var ErrInvalidSessionName = errors.New("session: invalid session name")

type Option func(*Registry)

// WithClock replaces the time source used for pending and stream timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry holds at most one live session per name. Callers own the
// registry and close it explicitly.
type Registry struct {
	host channel.Host
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(host channel.Host, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		host:     host,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Endpoint returns a new page endpoint for the named session. The first call
// for a name creates the session and starts connecting its primary channel.
func (r *Registry) Endpoint(name string) (*Endpoint, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok {
		s = newSession(name, r.host, r.cfg, r.now)
		r.sessions[name] = s
		go s.run()
	}
	ep := newEndpoint(s)
	if !s.events.push(attachEvent{ep: ep}) {
		return nil, ErrSessionClosed
	}
	return ep, nil
}

func (r *Registry) Session(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Names lists live session names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close stops one session. Its endpoints report ErrSessionClosed. A later
// Endpoint call for the same name starts a fresh session.
func (r *Registry) Close(name string) bool {
	r.mu.Lock()
	s, ok := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if ok {
		s.stop()
	}
	return ok
}

// CloseAll stops every session and leaves the registry empty and usable.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
}
