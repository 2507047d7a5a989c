package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no live session exists for an id.
	ErrNotFound = errors.New("session not found")

	// ErrPersistence wraps any failure to read or write the backing store.
	ErrPersistence = errors.New("session store unavailable")
)

// Store persists sessions by id. Save must not return until the write is durable.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	expiry   map[string]time.Time
	now      func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		expiry:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Load returns a copy of the stored session.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	data, ok := m.sessions[id]
	exp := m.expiry[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if m.now().After(exp) {
		m.deleteExpired(id)
		return nil, ErrNotFound
	}

	var s Session
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, errors.Join(ErrPersistence, err)
	}
	return &s, nil
}

// Save stores an encoded copy so later mutation of s is not visible to readers.
func (m *MemoryStore) Save(_ context.Context, s *Session, ttl time.Duration) error {
	exp := m.now().Add(ttl)
	s.ExpiresAt = exp
	data, err := s.MarshalJSON()
	if err != nil {
		return errors.Join(ErrPersistence, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = data
	m.expiry[s.ID] = exp
	return nil
}

// Delete removes a session. Deleting a missing id is not an error.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.expiry, id)
	return nil
}

// deleteExpired removes id only if it is still expired once the write lock is
// held. A Save that refreshed it in the meantime wins.
func (m *MemoryStore) deleteExpired(id string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expiry[id]; ok && now.After(exp) {
		delete(m.sessions, id)
		delete(m.expiry, id)
	}
}

// Sweep drops expired sessions and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, exp := range m.expiry {
		if now.After(exp) {
			delete(m.sessions, id)
			delete(m.expiry, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until stop is closed.
func (m *MemoryStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
