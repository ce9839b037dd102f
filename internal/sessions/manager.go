package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/pkg/models"
)

// Manager holds live sessions in memory and writes through to the
// repository when one is attached. Sessions not in memory are hydrated from
// the repository on first access.
type Manager struct {
	repo   Repository
	logger *observability.Logger
	events *observability.EventLog
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithRepository attaches the durable store.
func WithRepository(repo Repository) ManagerOption {
	return func(m *Manager) { m.repo = repo }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a session manager.
func NewManager(logger *observability.Logger, events *observability.EventLog, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:   logger,
		events:   events,
		now:      time.Now,
		sessions: make(map[string]*models.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new session and returns its id. An empty id mints a
// fresh UUID; a collision with an existing id fails with ErrExists.
func (m *Manager) Create(ctx context.Context, mode models.Mode, channel models.Channel, id string) (*models.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now().UTC()
	session := &models.Session{
		ID:           id,
		Mode:         mode,
		Channel:      channel,
		Messages:     []models.Message{},
		CreatedAt:    now,
		LastActiveAt: now,
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", id, ErrExists)
	}
	m.sessions[id] = session
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.Create(ctx, session); err != nil {
			if errors.Is(err, ErrExists) {
				m.mu.Lock()
				delete(m.sessions, id)
				m.mu.Unlock()
				return nil, fmt.Errorf("session %q: %w", id, ErrExists)
			}
			m.logger.Warn(ctx, "session repository create failed", "session_id", id, "error", err)
		}
	}

	if m.events != nil {
		m.events.Emit(ctx, observability.Event{
			Type:      observability.EventSessionCreated,
			Component: "sessions",
			SessionID: id,
			Data:      map[string]any{"channel": string(channel), "mode": string(mode)},
		})
	}
	return session.Clone(), nil
}

// Get returns a snapshot and touches last_active_at. Unknown ids yield
// ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	session.LastActiveAt = m.now().UTC()
	return session.Clone(), nil
}

// Hydrate loads a session from the repository into memory if it is not
// already present. Reports whether the session is now available.
func (m *Manager) Hydrate(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return true, nil
	}
	if m.repo == nil {
		return false, nil
	}

	session, err := m.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("hydrate session %q: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		m.sessions[id] = session
	}
	m.logger.Debug(ctx, "session hydrated from repository",
		"session_id", id, "messages", len(session.Messages))
	return true, nil
}

// Update replaces the message list wholesale and touches last_active_at.
func (m *Manager) Update(ctx context.Context, id string, messages []models.Message) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	session.Messages = append([]models.Message{}, messages...)
	session.LastActiveAt = m.now().UTC()
	snapshot := session.Clone()
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.Update(ctx, snapshot); err != nil {
			m.logger.Warn(ctx, "session repository update failed", "session_id", id, "error", err)
		}
	}
	return nil
}

// AppendMessage appends one turn. The append and the last_active_at touch
// are atomic with respect to this session.
func (m *Manager) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now().UTC()
	}

	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	session.Messages = append(session.Messages, msg)
	session.LastActiveAt = m.now().UTC()
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.AppendMessage(ctx, id, msg); err != nil {
			m.logger.Warn(ctx, "session repository append failed", "session_id", id, "error", err)
		}
	}
	return nil
}

// Delete removes a session. Unknown ids yield ErrNotFound.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}

	if m.repo != nil {
		if err := m.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn(ctx, "session repository delete failed", "session_id", id, "error", err)
		}
	}
	if m.events != nil {
		m.events.Emit(ctx, observability.Event{
			Type:      observability.EventSessionClosed,
			Component: "sessions",
			SessionID: id,
		})
	}
	return nil
}

// ListActive returns snapshots of in-memory sessions sorted by
// last_active_at descending. A positive limit caps the result.
func (m *Manager) ListActive(limit int) []*models.Session {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of in-memory sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
