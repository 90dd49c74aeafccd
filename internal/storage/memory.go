package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/service"
)

var _ service.SessionStore = (*MemoryStore)(nil)

// MemoryStore implements service.SessionStore in memory.
// It is suitable for the local chat REPL and tests; sessions do not survive a restart.
type MemoryStore struct {
	sessions map[string]*model.Session
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
	}
}

// Load returns a copy of the chat's session, or nil when there is none.
func (s *MemoryStore) Load(ctx context.Context, chatID string) (*model.Session, error) {
	if err := validateContext(ctx); err != nil {
		return nil, storeError("load", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessions[chatID].Clone(), nil
}

// Save stores a copy of the session.
func (s *MemoryStore) Save(ctx context.Context, session *model.Session) error {
	if err := validateContext(ctx); err != nil {
		return storeError("save", err)
	}
	if err := validateSession(session); err != nil {
		return storeError("save", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ChatID] = session.Clone()
	return nil
}

// Delete removes the chat's session.
func (s *MemoryStore) Delete(ctx context.Context, chatID string) error {
	if err := validateContext(ctx); err != nil {
		return storeError("delete", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[chatID]; !exists {
		return fmt.Errorf("session for chat %s: %w", chatID, common.ErrNotFound)
	}
	delete(s.sessions, chatID)
	return nil
}

// List returns copies of all sessions, most recently active first.
func (s *MemoryStore) List(ctx context.Context) ([]*model.Session, error) {
	if err := validateContext(ctx); err != nil {
		return nil, storeError("list", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	return sessions, nil
}

// PurgeBefore removes sessions last active before cutoff.
func (s *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, storeError("purge", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}
