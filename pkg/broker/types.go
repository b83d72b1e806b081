package broker

import (
	"context"
	"encoding/json"
	"time"
)

// JobState is the broker-side lifecycle of a disposable job. Job state is
// operational metadata only; the queue record in the database is the durable
// source of truth.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateUnknown   JobState = "unknown"
)

// Live reports whether the broker still considers the job in flight.
func (s JobState) Live() bool {
	return s == JobStateWaiting || s == JobStateActive
}

// Job is one unit of work handed to the broker. Payload carries only the
// queue record id; workers reload the full record from the database.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// SendJobPayload is the payload for outbound send jobs.
type SendJobPayload struct {
	RecordID int64 `json:"recordId"`
}

// Broker abstracts the job transport. Implementations must make job state
// inspectable by id so the watchdog can tell a lost job from a slow one.
type Broker interface {
	// Enqueue appends a job to the named queue and registers its state as
	// waiting. The returned job carries the broker-assigned id.
	Enqueue(ctx context.Context, queue string, payload interface{}) (*Job, error)

	// Dequeue blocks up to the given duration for the next job on the queue
	// and marks it active. It returns (nil, nil) when the wait times out.
	Dequeue(ctx context.Context, queue string, block time.Duration) (*Job, error)

	// GetJobState reports the current state of a job, or JobStateUnknown when
	// the broker has no record of it (expired or never enqueued).
	GetJobState(ctx context.Context, jobID string) (JobState, error)

	// CompleteJob and FailJob settle a job's state. Settled state is kept
	// only for a bounded TTL.
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, reason string) error

	// Ping reports broker liveness.
	Ping(ctx context.Context) error

	Close() error
}
