// Package session implements the Session Supervisor (spec §2.8, §4.7):
// a registry of named owners, each entitled to submit work into the
// lane queue and process manager under its own identity. Restarts are
// deliberately NOT automatic — a session leaves the registry only
// through StopSession (the supervisor does not watch owners for crashes),
// and the supervisor stays available to start a fresh one under the same
// or a different id. Grounded on the restart-policy
// shape of the teacher's internal/devops/supervisor.Supervisor, with
// the auto-restart behavior itself dropped per spec's redesign.
package session

import (
	"errors"
	"sync"
	"time"

	"agentrun/internal/logging"
)

// ErrExists is returned by Start when id is already registered.
var ErrExists = errors.New("session: already registered")

// ErrNotFound is returned by Stop/Lookup when id has no registration.
var ErrNotFound = errors.New("session: not found")

// Options describes a session at registration time.
type Options struct {
	ID    string
	Owner string
}

type entry struct {
	Options
	startedAt time.Time
}

// Supervisor tracks the set of live sessions. It does not itself own
// goroutines or subprocesses — those belong to whatever lane tasks or
// processes a session's owner submits — it exists purely to answer
// "is this session alive" and "what owner does this id map to".
type Supervisor struct {
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]entry
	byOwner  map[string]string // owner -> id
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l logging.Logger) Option { return func(s *Supervisor) { s.logger = logging.OrNop(l) } }

// New builds an empty Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:   logging.OrNop(nil),
		sessions: make(map[string]entry),
		byOwner:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession registers a new session under opts.ID, failing with
// ErrExists if that id is already live.
func (s *Supervisor) StartSession(opts Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[opts.ID]; ok {
		return "", ErrExists
	}
	s.sessions[opts.ID] = entry{Options: opts, startedAt: time.Now()}
	s.byOwner[opts.Owner] = opts.ID
	s.logger.Info("session: started %s (owner=%s)", opts.ID, opts.Owner)
	return opts.Owner, nil
}

// StopSession deregisters a session by id or by owner. Deregistration is
// terminal: the supervisor never auto-restarts a stopped or crashed
// session, it only frees the id for reuse.
func (s *Supervisor) StopSession(idOrOwner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[idOrOwner]; ok {
		delete(s.sessions, idOrOwner)
		delete(s.byOwner, e.Owner)
		return nil
	}
	if id, ok := s.byOwner[idOrOwner]; ok {
		delete(s.sessions, id)
		delete(s.byOwner, idOrOwner)
		return nil
	}
	return ErrNotFound
}

// Lookup resolves id to its owner.
func (s *Supervisor) Lookup(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	return e.Owner, nil
}

// ListSessions returns every live session's owner.
func (s *Supervisor) ListSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.Owner)
	}
	return out
}
