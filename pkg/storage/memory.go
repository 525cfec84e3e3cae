package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/icstlab/icst/pkg/apperr"
)

// MemoryStore implements an in-memory job store.
// It is safe for concurrent use by multiple goroutines.
//
// If TTL is configured, a background goroutine periodically removes expired
// records; Get treats expired records as missing even before they are swept.
// For multi-instance deployments use RedisStore, and for records that must
// survive restarts use BadgerStore.
type MemoryStore struct {
	mu            sync.RWMutex
	jobs          map[string]Job
	ttl           time.Duration
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates a job store whose records never expire.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]Job),
		now:  time.Now,
	}
}

// NewMemoryStoreWithTTL creates a job store with automatic TTL-based cleanup
// running every cleanupInterval (one minute when zero).
//
// Stop or Close must be called when the store is no longer needed.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		jobs:          make(map[string]Job),
		ttl:           ttl,
		now:           time.Now,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop shuts down the background cleanup goroutine and waits for it.
// Calling Stop multiple times or on a store without TTL does nothing.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

// Close implements Store by calling Stop.
func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired records.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, job := range s.jobs {
		if job.Expired(now) {
			delete(s.jobs, id)
		}
	}
}

// Create stores a new PENDING record.
func (s *MemoryStore) Create(ctx context.Context, job Job) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job, err := newPending(job, now, s.ttl)
	if err != nil {
		return Job{}, err
	}
	if existing, ok := s.jobs[job.ID]; ok && !existing.Expired(now) {
		return Job{}, fmt.Errorf("%w: %s", ErrExists, job.ID)
	}

	s.jobs[job.ID] = job
	return job, nil
}

// Complete applies the terminal transition for id.
func (s *MemoryStore) Complete(ctx context.Context, id string, result json.RawMessage, failure *apperr.Detail) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job, ok := s.jobs[id]
	if !ok || job.Expired(now) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	job, err := complete(job, result, failure, now, s.ttl)
	if err != nil {
		return job, err
	}
	s.jobs[id] = job
	return job, nil
}

// Get retrieves the record for id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok || job.Expired(s.now()) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// Delete removes the record for id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}

// Len returns the number of records currently held, including expired
// records not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
