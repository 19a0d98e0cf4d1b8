package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. It suits single-process
// tools and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore returns an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: map[string]*Entry{}, now: now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return false, nil
		}
		e.Status = StatusStarted
		e.UpdatedAt = m.now()
		return true, nil
	}
	m.entries[key] = &Entry{
		IdempotencyKey: key,
		HandlerName:    handler,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      m.now(),
		UpdatedAt:      m.now(),
		ExpiresAt:      &expiresAt,
	}
	return true, nil
}

func (m *MemoryStore) Mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return errors.New("missing")
	}
	e.Status = status
	e.Result = result
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecoverStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(before) {
			e.Status = StatusRecoverable
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Stats{TotalEntries: int64(len(m.entries))}
	for _, e := range m.entries {
		switch e.Status {
		case StatusStarted:
			s.Started++
		case StatusFinished:
			s.Finished++
		case StatusRecoverable:
			s.Recoverable++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}
