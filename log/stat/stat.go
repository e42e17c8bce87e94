// Package stat collects per-bucket mirror-engine counters for Herald's
// "/herald/bucket-status" introspection endpoint: success/error counts
// keyed by bucket name, plus the gauges the mirror engine needs — queue
// depth, dead-letter count, and oldest-pending age.
package stat

import (
	"sync"
	"time"

	"github.com/herald-project/herald/strutil"
)

var (
	mu      sync.Mutex
	buckets = map[string]*counters{}
)

type counters struct {
	succeeded    int64
	failed       int64
	deadLettered int64
	oldestQueued time.Time
}

// RecordSuccess marks one mirror task attempt against bucket as successful.
func RecordSuccess(bucket string) {
	mu.Lock()
	defer mu.Unlock()
	c := bucketCounters(bucket)
	c.succeeded++
}

// RecordFailure marks one mirror task attempt against bucket as a
// retryable failure (not yet dead-lettered).
func RecordFailure(bucket string) {
	mu.Lock()
	defer mu.Unlock()
	c := bucketCounters(bucket)
	c.failed++
}

// RecordDeadLetter marks a mirror task against bucket as abandoned after
// exhausting its retry budget.
func RecordDeadLetter(bucket string) {
	mu.Lock()
	defer mu.Unlock()
	c := bucketCounters(bucket)
	c.deadLettered++
}

// ObserveOldestQueued records the enqueue time of the oldest task
// currently pending for bucket, so the status endpoint can report queue
// age without re-scanning the durable queue on every request.
func ObserveOldestQueued(bucket string, enqueuedAt time.Time) {
	mu.Lock()
	defer mu.Unlock()
	c := bucketCounters(bucket)
	if c.oldestQueued.IsZero() || enqueuedAt.Before(c.oldestQueued) {
		c.oldestQueued = enqueuedAt
	}
}

// ClearOldestQueued resets the oldest-pending watermark for bucket, called
// once its queue drains empty. Outcome counters are kept.
func ClearOldestQueued(bucket string) {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := buckets[bucket]; ok {
		c.oldestQueued = time.Time{}
	}
}

func bucketCounters(bucket string) *counters {
	c, ok := buckets[bucket]
	if !ok {
		c = &counters{}
		buckets[bucket] = c
	}
	return c
}

// BucketStatus is a point-in-time snapshot for one configured bucket.
type BucketStatus struct {
	Bucket          string    `json:"bucket"`
	QueueDepth      int       `json:"queue_depth"`
	DeadLetterCount int64     `json:"dead_letter_count"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	OldestPending   time.Time `json:"oldest_pending,omitempty"`
}

// Snapshot reports the current status for every bucket seen so far, with
// queueDepth supplied by the caller (the mirror engine owns queue depth;
// this package only tracks outcome counters).
func Snapshot(queueDepth map[string]int) []BucketStatus {
	mu.Lock()
	defer mu.Unlock()

	out := make([]BucketStatus, 0, len(buckets))
	for name, c := range buckets {
		out = append(out, BucketStatus{
			Bucket:          name,
			QueueDepth:      queueDepth[name],
			DeadLetterCount: c.deadLettered,
			Succeeded:       c.succeeded,
			Failed:          c.failed,
			OldestPending:   c.oldestQueued,
		})
	}
	return out
}

// JSON renders a BucketStatus slice for the introspection endpoint.
func JSON(statuses []BucketStatus) string {
	return strutil.JSON(statuses)
}
