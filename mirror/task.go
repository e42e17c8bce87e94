// Package mirror implements Herald's Mirror Engine:
// one durable, per-bucket FIFO queue of pending replica writes, drained
// by one worker goroutine per bucket with bounded exponential-backoff
// retry and dead-lettering after repeated failure.
//
// The durable queue is backed by go.etcd.io/bbolt, one database file per
// bucket.
package mirror

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskCommand names the S3 verb a MirrorTask replays against a replica
// backend.
type TaskCommand string

const (
	CommandPutObject     TaskCommand = "PutObject"
	CommandDeleteObject  TaskCommand = "DeleteObject"
	CommandCopyObject    TaskCommand = "CopyObject"
	CommandDeleteObjects TaskCommand = "DeleteObjects"
	CommandCreateBucket  TaskCommand = "CreateBucket"
	CommandDeleteBucket  TaskCommand = "DeleteBucket"
)

// destructiveCommands are the commands that acquire a StorageLock for
// the duration of one execution attempt, cleared on exit.
// CompleteMultipartUpload mirrors as a CommandPutObject of the assembled
// object rather than replaying multipart mechanics against the replica,
// since the replica never saw the individual parts.
var destructiveCommands = map[TaskCommand]bool{
	CommandDeleteObject:  true,
	CommandDeleteObjects: true,
	CommandDeleteBucket:  true,
}

// IsDestructive reports whether t's command acquires a StorageLock during
// execution.
func (t *Task) IsDestructive() bool { return destructiveCommands[t.Command] }

// Task is one unit of mirror work: replay Command against Replica for
// Bucket/Key, sourced from Primary. Nonce uniquely identifies the task
// across retries so a dead-letter
// inspection or a duplicate enqueue can always be told apart from a
// legitimate retry of the same logical write.
type Task struct {
	Nonce       string      `json:"nonce"`
	Bucket      string      `json:"bucket"`
	Key         string      `json:"key"`
	Replica     string      `json:"replica"` // backend name
	Primary     string      `json:"primary"` // backend name
	Command     TaskCommand `json:"command"`
	CopySrcKey  string      `json:"copy_src_key,omitempty"`
	Keys        []string    `json:"keys,omitempty"` // CommandDeleteObjects only
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	RetryCount  int         `json:"retry_count"`
	NextAttempt time.Time   `json:"next_attempt"`
}

// NewTask builds a Task with a fresh nonce and RetryCount 0.
func NewTask(bucket, key, replica, primary string, cmd TaskCommand) *Task {
	return &Task{
		Nonce:       uuid.NewString(),
		Bucket:      bucket,
		Key:         key,
		Replica:     replica,
		Primary:     primary,
		Command:     cmd,
		EnqueuedAt:  time.Now(),
		NextAttempt: time.Now(),
	}
}

// maxRetries bounds how many times a task is retried before it is
// dead-lettered.
const maxRetries = 10

// backoff computes the delay before the next attempt: min(2^retryCount *
// 1s, 60s), a standard capped exponential backoff.
func backoff(retryCount int) time.Duration {
	d := time.Duration(1) << uint(retryCount) * time.Second
	if d > 60*time.Second || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// Exhausted reports whether t has used up its retry budget and should be
// dead-lettered instead of re-enqueued.
func (t *Task) Exhausted() bool {
	return t.RetryCount >= maxRetries
}

// ScheduleRetry bumps RetryCount and sets NextAttempt per the backoff
// schedule, in place.
func (t *Task) ScheduleRetry() {
	t.NextAttempt = time.Now().Add(backoff(t.RetryCount))
	t.RetryCount++
}

// Ready reports whether t's backoff window has elapsed.
func (t *Task) Ready() bool {
	return !time.Now().Before(t.NextAttempt)
}

func (t *Task) Marshal() ([]byte, error) { return json.Marshal(t) }

func UnmarshalTask(b []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("mirror: unmarshal task: %w", err)
	}
	return &t, nil
}
