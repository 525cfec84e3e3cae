// Package storage provides job record storage implementations.
//
// A job record is created PENDING when work is accepted and receives exactly
// one terminal transition (SUCCEEDED or FAILED) from the worker that ran it.
// Records expire ResultTTL after creation; completion renews the expiry.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/icstlab/icst/pkg/apperr"
)

// DefaultTTL is used when a store is created without an explicit TTL.
const DefaultTTL = time.Hour

// State is the lifecycle state of a job.
type State string

const (
	Pending   State = "PENDING"
	Succeeded State = "SUCCEEDED"
	Failed    State = "FAILED"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

var (
	// ErrNotFound is returned for unknown or expired job ids.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned when creating a job whose id is already taken.
	ErrExists = errors.New("job already exists")
	// ErrCompleted is returned on a second terminal transition.
	ErrCompleted = errors.New("job already completed")
)

// Job is one unit of asynchronous work and its eventual outcome.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	State       State           `json:"state"`
	PayloadRef  string          `json:"payloadRef,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *apperr.Detail  `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

// Expired reports whether the record is past its expiry at now.
func (j Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}

// Store persists job records.
type Store interface {
	// Create stores a new PENDING record and stamps its timestamps.
	Create(ctx context.Context, job Job) (Job, error)
	// Complete applies the single terminal transition. A nil failure marks
	// the job SUCCEEDED with result; otherwise it is FAILED with failure.
	Complete(ctx context.Context, id string, result json.RawMessage, failure *apperr.Detail) (Job, error)
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// Delete removes the record for id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

func newPending(job Job, now time.Time, ttl time.Duration) (Job, error) {
	if job.ID == "" {
		return Job{}, errors.New("job id cannot be empty")
	}
	if job.Kind == "" {
		return Job{}, errors.New("job kind cannot be empty")
	}
	job.State = Pending
	job.Result = nil
	job.Error = nil
	job.CreatedAt = now
	job.CompletedAt = time.Time{}
	job.ExpiresAt = expiry(now, ttl)
	return job, nil
}

func complete(job Job, result json.RawMessage, failure *apperr.Detail, now time.Time, ttl time.Duration) (Job, error) {
	if job.State.Terminal() {
		return job, fmt.Errorf("%w: %s is %s", ErrCompleted, job.ID, job.State)
	}
	if failure != nil {
		job.State = Failed
		job.Error = failure
		job.Result = nil
	} else {
		job.State = Succeeded
		job.Result = result
	}
	job.CompletedAt = now
	job.ExpiresAt = expiry(now, ttl)
	return job, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
