package mirror

import (
	"fmt"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var pendingBucketName = []byte("pending")
var deadBucketName = []byte("dead")

// Queue is a durable, per-bucket FIFO task queue backed by a dedicated
// bbolt database file — one file per Herald bucket, so no bucket's tasks
// ever pass through another bucket's lock. Keys are the task nonce
// so insertion order is preserved by bbolt's byte-ordered keys only when
// nonces are itself ordered; Queue instead keeps its own ordered index
// in memory and uses bbolt purely as the durable value store, rebuilt
// from disk at Open.
type Queue struct {
	db      *bolt.DB
	mu      sync.Mutex
	order   []string // nonces in FIFO order
	byNonce map[string]*Task
}

// Open opens (creating if needed) the bbolt database at path and
// rebuilds the in-memory FIFO order from its "pending" bucket.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror: open queue db %s: %w", path, err)
	}

	q := &Queue{db: db, byNonce: map[string]*Task{}}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pendingBucketName); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(deadBucketName); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	type loaded struct {
		task *Task
	}
	var all []loaded
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucketName)
		return b.ForEach(func(k, v []byte) error {
			t, err := UnmarshalTask(v)
			if err != nil {
				return err
			}
			all = append(all, loaded{task: t})
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].task.EnqueuedAt.Before(all[j].task.EnqueuedAt) })
	for _, l := range all {
		q.order = append(q.order, l.task.Nonce)
		q.byNonce[l.task.Nonce] = l.task
	}

	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue durably appends t to the tail of the queue.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.persist(pendingBucketName, t); err != nil {
		return err
	}
	q.order = append(q.order, t.Nonce)
	q.byNonce[t.Nonce] = t
	return nil
}

// Peek returns the oldest task that's ready to run (backoff window
// elapsed), without removing it. Tasks for the same object key execute
// in enqueue order: a key whose head-of-line task is still backed off
// blocks every later task for that key, while tasks for other keys may
// proceed. Returns nil if no task is currently runnable.
func (q *Queue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := map[string]bool{}
	for _, nonce := range q.order {
		t := q.byNonce[nonce]
		if blocked[t.Key] {
			continue
		}
		if t.Ready() {
			return t
		}
		blocked[t.Key] = true
	}
	return nil
}

// Update persists a task's mutated state (e.g. after ScheduleRetry) back
// to disk without changing its queue position.
func (q *Queue) Update(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persist(pendingBucketName, t)
}

// Remove deletes a task from the pending queue — called once a task
// either succeeds or is dead-lettered.
func (q *Queue) Remove(nonce string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.byNonce, nonce)
	for i, n := range q.order {
		if n == nonce {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucketName).Delete([]byte(nonce))
	})
}

// DeadLetter moves t from pending into the dead bucket, retained for
// operator inspection instead of being silently dropped.
func (q *Queue) DeadLetter(t *Task) error {
	if err := q.persist(deadBucketName, t); err != nil {
		return err
	}
	return q.Remove(t.Nonce)
}

// Entries returns every pending task in FIFO order, for taskstore's
// periodic snapshot.
func (q *Queue) Entries() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.order))
	for _, nonce := range q.order {
		out = append(out, q.byNonce[nonce])
	}
	return out
}

// RestoreDeadLetter inserts a previously dead-lettered task straight into
// the dead bucket without touching the pending queue, used when
// rehydrating a remote task-store snapshot on boot.
func (q *Queue) RestoreDeadLetter(t *Task) error {
	return q.persist(deadBucketName, t)
}

// DeadLetters returns every task currently parked in the dead bucket.
func (q *Queue) DeadLetters() ([]*Task, error) {
	var out []*Task
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deadBucketName).ForEach(func(k, v []byte) error {
			t, err := UnmarshalTask(v)
			if err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

func (q *Queue) persist(bucketName []byte, t *Task) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(t.Nonce), data)
	})
}

// Len reports the current pending depth, used by log/stat's bucket-status
// snapshot.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// DeadLetterCount reports how many tasks are parked in the dead bucket.
func (q *Queue) DeadLetterCount() (int64, error) {
	var n int64
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deadBucketName).ForEach(func(k, v []byte) error {
			n++
			return nil
		})
	})
	return n, err
}
