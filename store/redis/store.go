// Package redis implements the job store on Redis for deployments that
// already run one. Each job is a JSON value under its own key plus a Set
// indexing all IDs for enumeration.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
)

// Compile-time interface check.
var _ job.Store = (*Store)(nil)

// Key naming: all keys are prefixed with "fetchq:" to avoid collisions.
const keyPrefix = "fetchq:"

// jobKey returns the key for a job entity: fetchq:job:{id}
func jobKey(jobID string) string { return keyPrefix + "job:" + jobID }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTTL expires job keys after d. Index membership is cleaned up
// lazily when a load encounters an expired key. Zero means no expiry.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// Store implements the job store backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
	ttl    time.Duration
}

// New creates a Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op, the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// SaveJob stores the job as JSON and records its ID in the index set.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("fetchq/redis: marshal job: %w", err)
	}
	jID := j.ID.String()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(jID), data, s.ttl)
	pipe.SAdd(ctx, jobIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fetchq/redis: save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	data, err := s.client.Get(ctx, jobKey(jobID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s", fetchq.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("fetchq/redis: get job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("fetchq/redis: unmarshal job %s: %w", jobID, err)
	}
	return &j, nil
}

// LoadAllJobs returns every job reachable through the index set. IDs
// whose keys expired are pruned from the index as they are discovered.
func (s *Store) LoadAllJobs(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fetchq/redis: list job ids: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	var stale []any
	for _, jID := range ids {
		data, getErr := s.client.Get(ctx, jobKey(jID)).Bytes()
		if errors.Is(getErr, goredis.Nil) {
			stale = append(stale, jID)
			continue
		}
		if getErr != nil {
			return nil, fmt.Errorf("fetchq/redis: load job %s: %w", jID, getErr)
		}
		var j job.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("fetchq/redis: unmarshal job %s: %w", jID, err)
		}
		jobs = append(jobs, &j)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, jobIDsKey, stale...).Err(); err != nil {
			s.logger.Warn("prune stale job index entries",
				slog.Int("count", len(stale)),
				slog.String("error", err.Error()),
			)
		}
	}
	return jobs, nil
}

// DeleteJob removes the job key and its index entry.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()

	deleted, err := s.client.Del(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("fetchq/redis: delete job: %w", err)
	}
	if err := s.client.SRem(ctx, jobIDsKey, jID).Err(); err != nil {
		return fmt.Errorf("fetchq/redis: delete job index: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", fetchq.ErrJobNotFound, jobID)
	}
	return nil
}
