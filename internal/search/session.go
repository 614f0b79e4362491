package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"avisearch/orchestrator/internal/metrics"
)

const (
	defaultSessionTTL  = 30 * time.Minute
	defaultSweepEvery  = 5 * time.Minute
	defaultMaxSessions = 10000
)

var ErrSessionNotFound = errors.New("session not found")

// SessionManager owns the per-session controllers. Session state lives for
// the duration of a browsing session only; idle sessions are evicted.
type SessionManager struct {
	gateway    Gateway
	catalog    CatalogProvider
	ttl        time.Duration
	maxCount   int
	logger     *slog.Logger
	ctrlOpts   []ControllerOption
	sweeperRun atomic.Bool

	mu       sync.RWMutex
	sessions map[string]*Controller
}

type SessionOption func(*SessionManager)

func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithMaxSessions(limit int) SessionOption {
	return func(m *SessionManager) {
		if limit > 0 {
			m.maxCount = limit
		}
	}
}

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

func WithControllerOptions(opts ...ControllerOption) SessionOption {
	return func(m *SessionManager) {
		m.ctrlOpts = opts
	}
}

func NewSessionManager(gateway Gateway, catalog CatalogProvider, opts ...SessionOption) *SessionManager {
	manager := &SessionManager{
		gateway:  gateway,
		catalog:  catalog,
		ttl:      defaultSessionTTL,
		maxCount: defaultMaxSessions,
		logger:   slog.Default(),
		sessions: make(map[string]*Controller),
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// Create starts a new session and returns its id.
func (m *SessionManager) Create() (string, *Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.maxCount {
		m.evictOldestLocked()
	}
	id := uuid.NewString()
	controller := NewController(m.gateway, m.catalog, append([]ControllerOption{
		WithControllerLogger(m.logger),
	}, m.ctrlOpts...)...)
	m.sessions[id] = controller
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	return id, controller, nil
}

// Get returns the controller for a session id.
func (m *SessionManager) Get(id string) (*Controller, error) {
	m.mu.RLock()
	controller, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return controller, nil
}

// Delete removes a session.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()
}

// Count reports the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartBackground launches the idle-session sweeper. Safe to call once.
func (m *SessionManager) StartBackground(ctx context.Context) {
	if m.sweeperRun.CompareAndSwap(false, true) {
		go m.runSweeper(ctx)
	}
}

func (m *SessionManager) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *SessionManager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, controller := range m.sessions {
		if now.Sub(controller.LastActive()) > m.ttl {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		m.logger.Info("idle sessions evicted",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(m.sessions)),
		)
	}
}

func (m *SessionManager) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, controller := range m.sessions {
		at := controller.LastActive()
		if oldestID == "" || at.Before(oldestAt) {
			oldestID = id
			oldestAt = at
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
	}
}
