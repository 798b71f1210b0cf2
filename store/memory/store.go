// Package memory provides a fully in-memory job store. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	fetchq "github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
)

var _ job.Store = (*Store)(nil)

// Store keeps jobs in a mutex-guarded map. Reads and writes copy, so
// callers can mutate returned jobs without racing with the store.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fetchq.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Further operations fail.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SaveJob inserts or replaces a job by ID.
func (m *Store) SaveJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fetchq.ErrStoreClosed
	}

	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID.String()] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fetchq.ErrStoreClosed
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, fetchq.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// LoadAllJobs returns a copy of every persisted job.
func (m *Store) LoadAllJobs(_ context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fetchq.ErrStoreClosed
	}

	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fetchq.ErrStoreClosed
	}

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return fetchq.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}
