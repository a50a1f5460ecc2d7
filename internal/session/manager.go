package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/user/gdbrelay/internal/metrics"
)

var ErrNotFound = errors.New("session: not found")

// Factory builds a new session for id.
type Factory func(id string) *Session

// Manager is the session registry. Each id maps to exactly one session and
// therefore one debugger process.
type Manager struct {
	factory Factory
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(factory Factory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating it on first use. The
// lookup and insert happen under one lock so concurrent first contacts
// share a single session.
func (sm *Manager) GetOrCreate(id string) *Session {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		return s
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		return s
	}
	s = sm.factory(id)
	sm.sessions[id] = s
	metrics.SessionsActive.Inc()
	sm.logger.Info("created session", zap.String("session", id))
	return s
}

func (sm *Manager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove drops id from the registry and returns the session. The session
// and its debugger keep running; use Destroy to stop them.
func (sm *Manager) Remove(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	delete(sm.sessions, id)
	metrics.SessionsActive.Dec()
	sm.logger.Info("removed session", zap.String("session", id))
	return s, true
}

// Destroy removes id and stops its session.
func (sm *Manager) Destroy(id string) error {
	s, ok := sm.Remove(id)
	if !ok {
		return ErrNotFound
	}
	s.Close()
	return nil
}

// List returns the registered sessions ordered by id.
func (sm *Manager) List() []*Session {
	sm.mu.RLock()
	out := lo.Values(sm.sessions)
	sm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close destroys every session.
func (sm *Manager) Close() {
	if sm == nil {
		return
	}
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	metrics.SessionsActive.Sub(float64(len(sessions)))
	for _, s := range sessions {
		s.Close()
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
