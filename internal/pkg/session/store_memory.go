package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mx-space/authgate/internal/models"
)

// MemoryStore keeps sessions in process memory. It is meant for tests and
// single-node development; nothing survives a restart.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*models.RefreshSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*models.RefreshSession)}
}

func (s *MemoryStore) Create(_ context.Context, rec *models.RefreshSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.ID]; ok {
		return storeError("create", errors.New("duplicate session id"))
	}
	s.rows[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Find(_ context.Context, id string) (*models.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecord(s.rows[id]), nil
}

func (s *MemoryStore) Take(_ context.Context, id string) (*models.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	delete(s.rows, id)
	return rec, nil
}

func (s *MemoryStore) MarkConsumed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.ConsumedAt != nil {
		return false, nil
	}
	rec.ConsumedAt = &at
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

func (s *MemoryStore) DeleteBySubject(_ context.Context, subjectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.rows {
		if rec.SubjectID == subjectID {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.rows))
	s.rows = make(map[string]*models.RefreshSession)
	return n, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.rows {
		if sweepable(rec, now) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
