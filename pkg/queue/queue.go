package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueArchives is the Redis list key for session archive jobs.
	QueueArchives = "worker:archives"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of attempts before a job moves to the DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// PollTimeout bounds one blocking pop so the worker notices cancellation.
	PollTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const JobTypeSessionArchive JobType = "session_archive"

// ArchivePayload is the payload of a session archive job.
type ArchivePayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client redis.Cmdable, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueArchive queues the summary upload of an ended session.
func (q *Queue) EnqueueArchive(ctx context.Context, sessionID uuid.UUID) error {
	body, err := json.Marshal(ArchivePayload{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        ulid.Make().String(),
		Type:      JobTypeSessionArchive,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueArchives, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued archive job", zap.String("job_id", job.ID), zap.String("session_id", sessionID.String()))
	return nil
}

// Dequeue waits up to timeout for a job. It returns a nil job when none arrived or the
// entry was malformed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueArchives).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt, or moves it to the DLQ once it has
// been tried MaxRetries times.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueArchives, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// Depth returns the number of waiting and dead-lettered jobs.
func (q *Queue) Depth(ctx context.Context) (pending, dead int64, err error) {
	if pending, err = q.client.LLen(ctx, QueueArchives).Result(); err != nil {
		return 0, 0, err
	}
	if dead, err = q.client.LLen(ctx, QueueDLQ).Result(); err != nil {
		return 0, 0, err
	}
	return pending, dead, nil
}
