package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ayusman/tryon/internal/pose"
	"github.com/ayusman/tryon/internal/scene"
)

// Manager holds at most one session for the HTTP and tray surfaces. A closed
// or unavailable session is replaced by a fresh one on the next Start.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	opts    Options
	current *Session
}

// NewManager creates a manager that opens sessions with opts.
func NewManager(opts Options, deps Deps) *Manager {
	deps = deps.withDefaults()
	return &Manager{
		deps:   deps,
		logger: deps.Logger.With("component", "sessions"),
		opts:   opts,
	}
}

// Start returns the running session, or opens a new one in the background.
// Callers watch Opened, Loading and Unavailable for the outcome.
func (m *Manager) Start() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.current; s != nil {
		switch s.State() {
		case StateIdle, StateLoading, StateActive:
			return s
		}
		s.Close()
	}

	s := New(m.opts, m.deps)
	m.current = s
	go func() {
		if err := s.Open(context.Background()); err != nil {
			m.logger.Warn("session failed to open", "session", s.ID(), "reason", Reason(err), "error", err)
		}
	}()
	return s
}

// Stop closes the current session, if any.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// Current returns the current session.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// Running reports whether a session is loading or active.
func (m *Manager) Running() bool {
	s, ok := m.Current()
	if !ok {
		return false
	}
	st := s.State()
	return st == StateLoading || st == StateActive
}

// SelectOverlay makes src the overlay for future sessions and swaps it into
// the current one when active. The returned token is 0 when no session
// is active.
func (m *Manager) SelectOverlay(ctx context.Context, src scene.Source, cal *pose.Calibration) (uint64, error) {
	if cal != nil {
		if err := cal.Validate(); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	m.opts.Overlay = src
	if cal != nil {
		m.opts.Calibration = *cal
	}
	s := m.current
	m.mu.Unlock()

	if s == nil {
		return 0, nil
	}
	// A loading session records the request and applies it once open.
	token, err := s.SetOverlay(ctx, src, cal)
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotActive) {
		return 0, nil
	}
	return token, err
}

// Options returns the options used for the next session.
func (m *Manager) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Close stops the current session.
func (m *Manager) Close() {
	m.Stop()
}
