package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueMerge is the Redis list key for video merge jobs.
	QueueMerge = "proctor:queue:merge"
	// QueueDelayed is the sorted set holding jobs waiting for their retry time (score = due unix ms).
	QueueDelayed = "proctor:queue:merge:delayed"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "proctor:queue:dlq"
	// DefaultMaxRetries is the number of retries after the first attempt before a job moves to the DLQ.
	DefaultMaxRetries = 3
	// DefaultRetryBackoff is the base delay between retries; attempt n waits n*backoff.
	DefaultRetryBackoff = time.Minute

	dequeueTimeout = 5 * time.Second
	promoteBatch   = 100
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeMerge JobType = "merge_recordings"
)

// MergePayload is the payload for merge jobs.
type MergePayload struct {
	ExamID      int64  `json:"exam_id"`
	StudentID   string `json:"student_id"`
	DisplayName string `json:"display_name"`
	Reason      string `json:"reason,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MergePayload decodes the job payload as a merge request.
func (j *Job) MergePayload() (MergePayload, error) {
	var p MergePayload
	if j.Type != JobTypeMerge {
		return p, fmt.Errorf("job %s has type %q", j.ID, j.Type)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode merge payload: %w", err)
	}
	return p, nil
}

// Options tunes retry behaviour.
type Options struct {
	// MaxRetries counts retries, not attempts: a job runs at most MaxRetries+1 times.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Stats reports queue depths.
type Stats struct {
	Pending int64
	Delayed int64
	Dead    int64
}

// promoteScript moves due jobs from the delayed set to the work list atomically.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, v in ipairs(items) do
  redis.call('ZREM', KEYS[1], v)
  redis.call('RPUSH', KEYS[2], v)
end
return #items
`)

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Queue{client: client, opts: opts, logger: logger}
}

// EnqueueMerge enqueues a merge job and returns its ID.
func (q *Queue) EnqueueMerge(ctx context.Context, payload MergePayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeMerge,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueMerge, raw).Err(); err != nil {
		return "", fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued merge job",
		zap.String("job_id", job.ID),
		zap.Int64("exam_id", payload.ExamID),
		zap.String("student_id", payload.StudentID))
	return job.ID, nil
}

// Dequeue waits up to a few seconds for a job. It returns nil, nil when none arrived,
// so callers can re-check ctx between polls.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, dequeueTimeout, QueueMerge).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
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

// Retry schedules a failed job for another attempt after attempt*RetryBackoff.
// Once the job has failed MaxRetries+1 times it is pushed to the DLQ and
// deadLettered is true.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error, now time.Time) (deadLettered bool, err error) {
	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if job.Attempt > q.opts.MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, nil
	}
	due := now.Add(time.Duration(job.Attempt) * q.opts.RetryBackoff)
	if err := q.client.ZAdd(ctx, QueueDelayed, redis.Z{Score: float64(due.UnixMilli()), Member: raw}).Err(); err != nil {
		return false, err
	}
	q.logger.Info("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Time("due", due))
	return false, nil
}

// PromoteDue moves delayed jobs whose retry time has passed back onto the work list.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{QueueDelayed, QueueMerge},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	if n > 0 {
		q.logger.Debug("promoted delayed jobs", zap.Int("count", n))
	}
	return n, nil
}

// Stats returns the current queue depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, QueueMerge)
	delayed := pipe.ZCard(ctx, QueueDelayed)
	dead := pipe.LLen(ctx, QueueDLQ)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Pending: pending.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}

// DeadLetters returns up to limit jobs from the DLQ, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.client.LRange(ctx, QueueDLQ, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange dlq: %w", err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
