package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/icstlab/icst/pkg/apperr"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string
	// InMemory keeps all data in memory. Used by tests.
	InMemory bool
	// TTL is the record expiration (0 uses DefaultTTL).
	TTL time.Duration
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
	Logger         *slog.Logger
}

// BadgerStore implements Store on an embedded BadgerDB, so job records
// survive restarts of a single-instance deployment. Expiry uses Badger's
// per-entry TTL.
type BadgerStore struct {
	db     *badger.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore opens the database described by cfg.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &BadgerStore{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}

	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

func badgerKey(id string) []byte {
	return []byte("job/" + id)
}

func (s *BadgerStore) put(txn *badger.Txn, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return txn.SetEntry(badger.NewEntry(badgerKey(job.ID), data).WithTTL(s.ttl))
}

func (s *BadgerStore) read(txn *badger.Txn, id string) (Job, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to read job: %w", err)
	}

	var job Job
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Expired(s.now()) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// Create stores a new PENDING record.
func (s *BadgerStore) Create(ctx context.Context, job Job) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	job, err := newPending(job, s.now(), s.ttl)
	if err != nil {
		return Job{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := s.read(txn, job.ID)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrExists, job.ID)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return s.put(txn, job)
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// Complete applies the terminal transition for id. Conflicting concurrent
// transactions are retried; only one of them can observe a PENDING record.
func (s *BadgerStore) Complete(ctx context.Context, id string, result json.RawMessage, failure *apperr.Detail) (Job, error) {
	for i := 0; i < maxTxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}

		var done Job
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := s.read(txn, id)
			if err != nil {
				return err
			}
			next, err := complete(current, result, failure, s.now(), s.ttl)
			if err != nil {
				return err
			}
			done = next
			return s.put(txn, next)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return Job{}, err
		}
		return done, nil
	}
	return Job{}, fmt.Errorf("failed to complete job %s: too much contention", id)
}

// Get retrieves the record for id.
func (s *BadgerStore) Get(ctx context.Context, id string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}

	var job Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = s.read(txn, id)
		return err
	})
	return job, err
}

// Delete removes the record for id.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(id))
	})
}

// Close stops value log GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}
