package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osagent/osa/internal/providers"
)

var (
	// ErrAlreadyStarted is returned by Create when the session exists.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotFound is returned for operations on unknown sessions.
	ErrNotFound = errors.New("session not found")
	// ErrTerminated is returned when an actor crashed past its restart
	// allowance and was escalated.
	ErrTerminated = errors.New("session actor terminated")
)

// maxRestarts is how many handler crashes an actor absorbs before it is
// torn down and callers see ErrTerminated.
const maxRestarts = 1

type request struct {
	fn   func(*Session)
	done chan struct{}
}

// actor owns one Session and serializes every operation against it through
// a mailbox. A panicking handler is recovered once; the second crash kills
// the actor.
type actor struct {
	session  *Session
	mailbox  chan request
	quit     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	restarts int
	dead     bool
}

func newActor(s *Session) *actor {
	a := &actor{
		session: s,
		mailbox: make(chan request, 16),
		quit:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	for {
		select {
		case req := <-a.mailbox:
			a.handle(req)
		case <-a.quit:
			return
		}
	}
}

func (a *actor) handle(req request) {
	defer close(req.done)
	defer func() {
		if r := recover(); r != nil {
			a.mu.Lock()
			a.restarts++
			escalate := a.restarts > maxRestarts
			if escalate {
				a.dead = true
			}
			a.mu.Unlock()

			slog.Error("session actor crashed", "session", a.session.ID, "panic", r, "restarts", a.restarts)
			if escalate {
				a.stop()
			}
		}
	}()
	req.fn(a.session)
}

func (a *actor) stop() {
	a.stopOnce.Do(func() { close(a.quit) })
}

func (a *actor) alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.dead
}

// CreateOpts configures a new session.
type CreateOpts struct {
	SessionID string // empty = generate
	UserID    string
	Channel   string
	Provider  string
	Model     string
	PlanMode  bool
}

// Manager owns the session_id → actor table and the persistent store.
type Manager struct {
	mu     sync.Mutex
	actors map[string]*actor
	store  *Store
}

func NewManager(store *Store) *Manager {
	return &Manager{actors: make(map[string]*actor), store: store}
}

// Store exposes the persistent JSONL store.
func (m *Manager) Store() *Store { return m.store }

// Create spawns a reasoning actor for a new session. A fresh id is
// generated when opts.SessionID is empty; creating an existing id returns
// ErrAlreadyStarted with the id.
func (m *Manager) Create(opts CreateOpts) (string, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.actors[id]; ok && a.alive() {
		return id, ErrAlreadyStarted
	}

	now := time.Now().UTC()
	m.actors[id] = newActor(&Session{
		ID:              id,
		UserID:          opts.UserID,
		Channel:         opts.Channel,
		Provider:        opts.Provider,
		Model:           opts.Model,
		PlanModeEnabled: opts.PlanMode,
		Status:          StatusIdle,
		Created:         now,
		Updated:         now,
	})
	return id, nil
}

// Resume returns an existing actor's id or creates one, rehydrating
// history from the JSONL store.
func (m *Manager) Resume(sessionID string, opts CreateOpts) (string, error) {
	m.mu.Lock()
	if a, ok := m.actors[sessionID]; ok && a.alive() {
		m.mu.Unlock()
		return sessionID, nil
	}
	m.mu.Unlock()

	opts.SessionID = sessionID
	id, err := m.Create(opts)
	if err != nil && !errors.Is(err, ErrAlreadyStarted) {
		return "", err
	}

	if m.store != nil {
		msgs, err := m.store.Load(id)
		if err != nil {
			slog.Warn("session rehydration failed", "session", id, "error", err)
		} else if len(msgs) > 0 {
			if doErr := m.Do(context.Background(), id, func(s *Session) {
				if len(s.Messages) == 0 {
					s.Messages = msgs
				}
			}); doErr != nil {
				return "", doErr
			}
		}
	}
	return id, nil
}

// Close gracefully terminates a session's actor.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	a, ok := m.actors[sessionID]
	if ok {
		delete(m.actors, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	a.stop()
	return nil
}

// Alive reports whether a session has a live actor.
func (m *Manager) Alive(sessionID string) bool {
	m.mu.Lock()
	a, ok := m.actors[sessionID]
	m.mu.Unlock()
	return ok && a.alive()
}

// List returns the ids of all live sessions, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.actors))
	for id, a := range m.actors {
		if a.alive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetMessages returns the persisted history for a session.
func (m *Manager) GetMessages(sessionID string) ([]providers.Message, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Load(sessionID)
}

// Do runs fn against the session's state, serialized by its actor. It
// blocks until the function returns, the context expires, or the actor is
// found dead.
func (m *Manager) Do(ctx context.Context, sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	a, ok := m.actors[sessionID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if !a.alive() {
		return fmt.Errorf("%w: %s", ErrTerminated, sessionID)
	}

	req := request{fn: fn, done: make(chan struct{})}
	select {
	case a.mailbox <- req:
	case <-a.quit:
		return fmt.Errorf("%w: %s", ErrTerminated, sessionID)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		if !a.alive() {
			return fmt.Errorf("%w: %s", ErrTerminated, sessionID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
