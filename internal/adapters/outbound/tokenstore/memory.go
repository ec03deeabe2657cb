package tokenstore

import (
	"context"
	"sync"

	"github.com/sufield/devicefleet/internal/ports"
)

// MemoryStore keeps the session in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	stored *ports.StoredSession
	saves  int
	clears int

	// SaveErr, when set, is returned by Save.
	SaveErr error
	// LoadErr, when set, is returned by Load.
	LoadErr error
}

var _ ports.TokenStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Load implements ports.TokenStore.
func (s *MemoryStore) Load(_ context.Context) (ports.StoredSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return ports.StoredSession{}, s.LoadErr
	}
	if s.stored == nil {
		return ports.StoredSession{}, ports.ErrTokensNotFound
	}
	return *s.stored, nil
}

// Save implements ports.TokenStore.
func (s *MemoryStore) Save(_ context.Context, stored ports.StoredSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.saves++
	s.stored = &stored
	return nil
}

// Clear implements ports.TokenStore.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.stored = nil
	return nil
}

// Stored returns the current contents and whether any are present.
func (s *MemoryStore) Stored() (ports.StoredSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored == nil {
		return ports.StoredSession{}, false
	}
	return *s.stored, true
}

// Saves returns how many successful saves happened.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
