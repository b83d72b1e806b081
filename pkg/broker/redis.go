package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	queueKeyPrefix = "wagate:queue:"
	jobKeyPrefix   = "wagate:job:"
)

// RedisBroker is a Redis-backed Broker. Queues are plain lists; per-job state
// lives in a hash under its own key so it can be inspected independently of
// queue position, and settled state expires after a TTL.
type RedisBroker struct {
	client   *redis.Client
	stateTTL time.Duration
	logger   *logrus.Logger
}

func NewRedisBroker(redisURL string, stateTTL time.Duration, logger *logrus.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBroker{
		client:   client,
		stateTTL: stateTTL,
		logger:   logger,
	}, nil
}

func queueKey(queue string) string { return queueKeyPrefix + queue }
func jobKey(jobID string) string   { return jobKeyPrefix + jobID }

func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload interface{}) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	// State hash first, then the list push. If the push fails the orphaned
	// waiting hash simply ages out with the TTL.
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
		"state":       string(JobStateWaiting),
		"queue":       queue,
		"enqueued_at": job.EnqueuedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, jobKey(job.ID), b.stateTTL)
	pipe.RPush(ctx, queueKey(queue), encoded)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"jobId": job.ID,
		"queue": queue,
	}).Debug("Job enqueued")

	return job, nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, queue string, block time.Duration) (*Job, error) {
	res, err := b.client.BLPop(ctx, block, queueKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if err := b.setState(ctx, job.ID, JobStateActive, ""); err != nil {
		return nil, err
	}

	return &job, nil
}

func (b *RedisBroker) GetJobState(ctx context.Context, jobID string) (JobState, error) {
	state, err := b.client.HGet(ctx, jobKey(jobID), "state").Result()
	if err == redis.Nil {
		return JobStateUnknown, nil
	}
	if err != nil {
		return JobStateUnknown, fmt.Errorf("failed to read job state: %w", err)
	}

	switch JobState(state) {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed:
		return JobState(state), nil
	default:
		return JobStateUnknown, nil
	}
}

func (b *RedisBroker) CompleteJob(ctx context.Context, jobID string) error {
	return b.setState(ctx, jobID, JobStateCompleted, "")
}

func (b *RedisBroker) FailJob(ctx context.Context, jobID string, reason string) error {
	return b.setState(ctx, jobID, JobStateFailed, reason)
}

func (b *RedisBroker) setState(ctx context.Context, jobID string, state JobState, reason string) error {
	fields := map[string]interface{}{
		"state":      string(state),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if reason != "" {
		fields["failed_reason"] = reason
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), fields)
	pipe.Expire(ctx, jobKey(jobID), b.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker ping failed: %w", err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
