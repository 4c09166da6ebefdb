package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionLimit bounds how many records the in-memory ledger keeps
// per session.
const DefaultSessionLimit = 200

// InMemoryStore is a process-local ledger for development and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	records map[string][]Record
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	return &InMemoryStore{limit: limit, records: make(map[string][]Record)}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.FinishedAt.IsZero() {
		record.FinishedAt = time.Now().UTC()
	}
	arr := append(s.records[record.SessionID], record)
	if len(arr) > s.limit {
		arr = append([]Record(nil), arr[len(arr)-s.limit:]...)
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) ListBySession(_ context.Context, sessionID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
