package execution

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It backs tests and
// deployments without a database configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	s.records[rec.ExecutionID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, executionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[executionID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, executionID string, c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[executionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.Status = c.Status
	if c.Result != "" {
		result := c.Result
		rec.Result = &result
	}
	if c.Error != "" {
		errMsg := c.Error
		rec.Error = &errMsg
	}
	rec.CompletedAt = &now
	rec.ExecutionTimeSeconds = now.Sub(rec.CreatedAt).Seconds()
	rec.VisualEventsCaptured = c.VisualEventsCaptured
	rec.VisualStreamDuration = c.VisualStreamDuration
	return nil
}
