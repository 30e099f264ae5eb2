package prefs

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu    sync.Mutex
	shown bool

	// Err, when set, is returned by every operation. Tests use it to
	// exercise the store's error contract.
	Err error

	// Refreshes counts RefreshNotificationsShown calls.
	Refreshes int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) NotificationsShown(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	return s.shown, nil
}

func (s *MemoryStore) RefreshNotificationsShown(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Refreshes++
	if s.Err != nil {
		return false, s.Err
	}
	return s.shown, nil
}

func (s *MemoryStore) MarkNotificationsShown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.shown = true
	return nil
}
