// Package jobs runs slow classification work off the request path.
//
// Submit records a PENDING job and queues it; a fixed pool of workers
// executes queued tasks one at a time each and writes exactly one terminal
// state per job to the store. Poll only reads the store.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/storage"
)

// Job kinds.
const (
	KindAnalyse    = "analyse"
	KindConfidence = "confidence"
)

// Runner executes one task payload and returns a JSON-serializable result.
type Runner func(ctx context.Context, payload json.RawMessage) (any, error)

// Recorder receives orchestrator measurements. Implementations must be safe
// for concurrent use.
type Recorder interface {
	JobSubmitted(kind string)
	JobRejected(kind string)
	JobFinished(kind string, state storage.State, elapsed time.Duration)
	QueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) JobSubmitted(string) {}
func (nopRecorder) JobRejected(string) {}
func (nopRecorder) JobFinished(string, storage.State, time.Duration) {}
func (nopRecorder) QueueDepth(int) {}

// Options configures an Orchestrator.
type Options struct {
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
	Recorder       Recorder
	// NewID generates job ids. Defaults to random UUIDs.
	NewID func() string
}

// Task is one queued unit of work.
type Task struct {
	ID       string
	Kind     string
	Payload  json.RawMessage
	TempFile string
	Queued   time.Time
}

// Orchestrator accepts, queues and executes jobs.
type Orchestrator struct {
	store          storage.Store
	queue          chan Task
	workers        int
	enqueueTimeout time.Duration
	logger         *slog.Logger
	recorder       Recorder
	newID          func() string

	runnersMu sync.RWMutex
	runners   map[string]Runner

	intakeMu sync.RWMutex
	closed   bool

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates an Orchestrator backed by store. Call Register for every job
// kind and Start before submitting.
func New(store storage.Store, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}

	return &Orchestrator{
		store:          store,
		queue:          make(chan Task, opts.QueueSize),
		workers:        opts.Workers,
		enqueueTimeout: opts.EnqueueTimeout,
		logger:         opts.Logger,
		recorder:       opts.Recorder,
		newID:          opts.NewID,
		runners:        make(map[string]Runner),
	}
}

// Register sets the runner for kind.
func (o *Orchestrator) Register(kind string, r Runner) {
	o.runnersMu.Lock()
	defer o.runnersMu.Unlock()
	o.runners[kind] = r
}

func (o *Orchestrator) runner(kind string) (Runner, bool) {
	o.runnersMu.RLock()
	defer o.runnersMu.RUnlock()
	r, ok := o.runners[kind]
	return r, ok
}

// Submit records a PENDING job and queues it. payload is marshaled to JSON
// unless it already is a json.RawMessage. tempFile, if set, is deleted once
// the job finishes or if it cannot be queued.
//
// Submit never waits for execution; it blocks at most EnqueueTimeout when
// the queue is full and then fails with Unavailable.
func (o *Orchestrator) Submit(ctx context.Context, kind string, payload any, tempFile string) (storage.Job, error) {
	if _, ok := o.runner(kind); !ok {
		removeTemp(tempFile)
		return storage.Job{}, apperr.New(apperr.MalformedInput, "unknown job kind %q", kind)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		removeTemp(tempFile)
		return storage.Job{}, apperr.Wrap(apperr.InternalFailure, err, "encode job payload")
	}

	o.intakeMu.RLock()
	defer o.intakeMu.RUnlock()
	if o.closed {
		removeTemp(tempFile)
		o.recorder.JobRejected(kind)
		return storage.Job{}, apperr.New(apperr.Unavailable, "server is shutting down")
	}

	job, err := o.store.Create(ctx, storage.Job{
		ID:         o.newID(),
		Kind:       kind,
		PayloadRef: tempFile,
	})
	if err != nil {
		removeTemp(tempFile)
		return storage.Job{}, apperr.Wrap(apperr.InternalFailure, err, "create job record")
	}

	task := Task{ID: job.ID, Kind: kind, Payload: raw, TempFile: tempFile, Queued: time.Now()}

	timer := time.NewTimer(o.enqueueTimeout)
	defer timer.Stop()

	select {
	case o.queue <- task:
		o.recorder.JobSubmitted(kind)
		o.recorder.QueueDepth(len(o.queue))
		o.logger.Info("job submitted", "job_id", job.ID, "kind", kind)
		return job, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	o.discard(job.ID, tempFile)
	o.recorder.JobRejected(kind)
	o.logger.Warn("job rejected, queue full", "kind", kind, "queue_size", cap(o.queue))
	return storage.Job{}, apperr.New(apperr.Unavailable, "job queue is full, retry later")
}

func (o *Orchestrator) discard(id, tempFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Delete(ctx, id); err != nil {
		o.logger.Error("failed to delete rejected job", "job_id", id, "error", err)
	}
	removeTemp(tempFile)
}

// Poll returns the current record for id without blocking on execution.
func (o *Orchestrator) Poll(ctx context.Context, id string) (storage.Job, error) {
	job, err := o.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, apperr.New(apperr.NotFound, "no job with id %q; it may have expired", id)
	}
	if err != nil {
		return storage.Job{}, apperr.Wrap(apperr.InternalFailure, err, "read job %s", id)
	}
	return job, nil
}

// Start launches the worker pool. Calling Start more than once has no
// effect.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		for i := 0; i < o.workers; i++ {
			o.wg.Add(1)
			go o.work(i)
		}
		o.logger.Info("job workers started", "workers", o.workers, "queue_size", cap(o.queue))
	})
}

// Stop closes intake and waits for queued and in-flight jobs to finish, or
// for ctx to end, whichever comes first.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.intakeMu.Lock()
		o.closed = true
		close(o.queue)
		o.intakeMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job workers: %w", ctx.Err())
	}
}

// QueueLen returns the number of queued tasks.
func (o *Orchestrator) QueueLen() int {
	return len(o.queue)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove temp file", "path", path, "error", err)
	}
}
