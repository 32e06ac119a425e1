package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
	"k8s.io/utils/keymutex"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/sampler"
)

var (
	// ErrSourceBusy is returned when a source already has a running export.
	ErrSourceBusy = errors.New("source is already being exported")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("export session not found")
	// ErrSessionActive is returned when removing a session that has not finished.
	ErrSessionActive = errors.New("export session is still running")
)

// Manager runs concurrent export sessions. Sessions over distinct sources are
// independent; a source can back at most one running session.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// sourceKey <-> session id of the running export
	active *bimap.BiMap[string, string]

	sourceLock keymutex.KeyMutex
}

// StartOption configures one session before it starts.
type StartOption func(*Session)

// WithProgress registers a progress observer before the first frame.
func WithProgress(fn ProgressFunc) StartOption {
	return func(s *Session) { s.OnProgress(fn) }
}

// WithResult registers a result observer before the session starts.
func WithResult(fn ResultFunc) StartOption {
	return func(s *Session) { s.OnResult(fn) }
}

// NewManager creates a manager whose sessions share opts.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	return &Manager{
		opts:       opts,
		logger:     logger.With("component", "export_manager"),
		sessions:   make(map[string]*Session),
		active:     bimap.NewBiMap[string, string](),
		sourceLock: keymutex.NewHashed(0),
	}
}

// Start validates cfg and begins exporting src in the background. sourceKey
// identifies the source for exclusivity; ctx bounds the whole session.
func (m *Manager) Start(ctx context.Context, cfg core.ExportConfig, sourceKey string, src sampler.Source, opts ...StartOption) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sourceKey == "" {
		sourceKey = uuid.NewString()
	}

	m.sourceLock.LockKey(sourceKey)
	defer func() {
		if err := m.sourceLock.UnlockKey(sourceKey); err != nil {
			m.logger.Warn("Failed to unlock source", "source", sourceKey, "error", err)
		}
	}()

	m.mu.Lock()
	if id, ok := m.active.Get(sourceKey); ok {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrSourceBusy, "source %s is held by session %s", sourceKey, id)
	}
	s := NewSession(uuid.NewString(), cfg, src, m.opts)
	s.sourceKey = sourceKey
	m.sessions[s.id] = s
	m.active.Insert(sourceKey, s.id)
	m.mu.Unlock()

	for _, opt := range opts {
		opt(s)
	}
	s.OnResult(func(core.ExportResult) { m.release(s) })

	m.logger.Info("Starting export", "session", s.id, "source", sourceKey, "config", cfg.String())
	s.Start(ctx)
	return s, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.active.Get(s.sourceKey); ok && id == s.id {
		m.active.Delete(s.sourceKey)
	}
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s", id)
	}
	return s, nil
}

// SessionForSource returns the running session of sourceKey, if any.
func (m *Manager) SessionForSource(sourceKey string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active.Get(sourceKey)
	if !ok {
		return nil, false
	}
	return m.sessions[id], true
}

// List returns all known sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Cancel requests cancellation of a session. Cancelling a finished session is
// a no-op.
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// OnProgress subscribes fn to a session's progress updates.
func (m *Manager) OnProgress(id string, fn ProgressFunc) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.OnProgress(fn)
	return nil
}

// OnResult subscribes fn to a session's result.
func (m *Manager) OnResult(id string, fn ResultFunc) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.OnResult(fn)
	return nil
}

// Remove forgets a finished session and its result.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "session %s", id)
	}
	if !s.State().Terminal() {
		return errors.Wrapf(ErrSessionActive, "session %s is %s", id, s.State())
	}
	delete(m.sessions, id)
	return nil
}

// Shutdown cancels every session and waits for them to end or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.List()
	for _, s := range sessions {
		s.Cancel()
	}
	for _, s := range sessions {
		if !s.started.Load() {
			continue
		}
		select {
		case <-s.Done():
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "export sessions did not stop in time")
		}
	}
	m.logger.Info("Export manager stopped", "sessions", len(sessions))
	return nil
}
