package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/icstlab/icst/pkg/apperr"
)

// DefaultRedisPrefix namespaces job keys.
const DefaultRedisPrefix = "icst:job:"

const maxTxRetries = 5

// RedisStore implements Store using Redis as a backend. It lets several
// server instances share job records; expiry uses native key TTLs.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
	mu     sync.RWMutex
}

// NewRedisStore creates a new Redis-backed store.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - ttl: record expiration (0 uses DefaultTTL)
//
// Returns an error if the connection to Redis fails or if parameters are invalid.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return NewRedisStoreFromClient(client, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: DefaultRedisPrefix,
		now:    time.Now,
	}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// Create stores a new PENDING record with SET NX.
func (r *RedisStore) Create(ctx context.Context, job Job) (Job, error) {
	job, err := newPending(job, r.now(), r.ttl)
	if err != nil {
		return Job{}, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(job.ID), data, r.ttl).Result()
	if err != nil {
		return Job{}, fmt.Errorf("failed to store job in redis: %w", err)
	}
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	return job, nil
}

// Complete applies the terminal transition inside a WATCH transaction so
// concurrent completions of the same id cannot both succeed.
func (r *RedisStore) Complete(ctx context.Context, id string, result json.RawMessage, failure *apperr.Detail) (Job, error) {
	key := r.key(id)
	var done Job

	txf := func(tx *redis.Tx) error {
		current, err := r.read(ctx, tx, id)
		if err != nil {
			return err
		}

		next, err := complete(current, result, failure, r.now(), r.ttl)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		done = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Job{}, err
		}
		return done, nil
	}
	return Job{}, fmt.Errorf("failed to complete job %s: too much contention", id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) read(ctx context.Context, c getter, id string) (Job, error) {
	data, err := c.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Job{}, fmt.Errorf("failed to get job from redis: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

// Get retrieves the record for id.
func (r *RedisStore) Get(ctx context.Context, id string) (Job, error) {
	if id == "" {
		return Job{}, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	return r.read(ctx, r.client, id)
}

// Delete removes the record for id.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete job from redis: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
// It is safe to call multiple times (idempotent).
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}

	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
