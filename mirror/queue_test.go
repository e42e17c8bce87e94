package mirror

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.queue.db")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueueEnqueuePeekFIFO(t *testing.T) {
	q := openTestQueue(t)

	t1 := NewTask("b", "k1", "replica", "primary", CommandPutObject)
	t2 := NewTask("b", "k2", "replica", "primary", CommandPutObject)
	t2.EnqueuedAt = t1.EnqueuedAt.Add(time.Millisecond)

	if err := q.Enqueue(t1); err != nil {
		t.Fatalf("Enqueue t1: %v", err)
	}
	if err := q.Enqueue(t2); err != nil {
		t.Fatalf("Enqueue t2: %v", err)
	}

	peeked := q.Peek()
	if peeked == nil || peeked.Nonce != t1.Nonce {
		t.Fatalf("expected t1 at head, got %+v", peeked)
	}

	if err := q.Remove(t1.Nonce); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	peeked = q.Peek()
	if peeked == nil || peeked.Nonce != t2.Nonce {
		t.Fatalf("expected t2 at head after removing t1, got %+v", peeked)
	}

	if q.Len() != 1 {
		t.Errorf("expected Len 1, got %d", q.Len())
	}
}

func TestQueuePeekSkipsBackoffWindow(t *testing.T) {
	q := openTestQueue(t)

	task := NewTask("b", "k1", "replica", "primary", CommandPutObject)
	task.ScheduleRetry() // pushes NextAttempt into the future

	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if got := q.Peek(); got != nil {
		t.Errorf("expected Peek to return nil while task is backed off, got %+v", got)
	}
}

// TestQueuePeekHoldsBackSameKeySuccessor covers the per-key ordering
// guarantee: a later task for a key whose head-of-line task is still
// backed off must not run ahead of it, while a task for a different key
// is free to proceed.
func TestQueuePeekHoldsBackSameKeySuccessor(t *testing.T) {
	q := openTestQueue(t)

	older := NewTask("b", "k1", "replica", "primary", CommandPutObject)
	older.ScheduleRetry() // backs off the head-of-line task for k1

	newer := NewTask("b", "k1", "replica", "primary", CommandDeleteObject)
	other := NewTask("b", "k2", "replica", "primary", CommandPutObject)

	for _, task := range []*Task{older, newer, other} {
		if err := q.Enqueue(task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got := q.Peek()
	if got == nil {
		t.Fatal("expected the other key's task to be runnable")
	}
	if got.Nonce == newer.Nonce {
		t.Fatal("Peek returned a k1 task ahead of an earlier backed-off k1 task")
	}
	if got.Nonce != other.Nonce {
		t.Fatalf("expected the k2 task, got %+v", got)
	}
}

func TestQueueDeadLetterMovesTask(t *testing.T) {
	q := openTestQueue(t)

	task := NewTask("b", "k1", "replica", "primary", CommandDeleteObject)
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.DeadLetter(task); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	if q.Len() != 0 {
		t.Errorf("expected pending queue empty after dead-lettering, got len %d", q.Len())
	}

	count, err := q.DeadLetterCount()
	if err != nil {
		t.Fatalf("DeadLetterCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 dead letter, got %d", count)
	}

	letters, err := q.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Nonce != task.Nonce {
		t.Errorf("unexpected dead letters: %+v", letters)
	}
}

func TestQueueRebuildsOrderOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.queue.db")

	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t1 := NewTask("b", "k1", "replica", "primary", CommandPutObject)
	t2 := NewTask("b", "k2", "replica", "primary", CommandPutObject)
	t2.EnqueuedAt = t1.EnqueuedAt.Add(time.Millisecond)
	_ = q.Enqueue(t1)
	_ = q.Enqueue(t2)
	q.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 2 {
		t.Fatalf("expected 2 tasks after reopen, got %d", reopened.Len())
	}
	head := reopened.Peek()
	if head == nil || head.Nonce != t1.Nonce {
		t.Errorf("expected FIFO order preserved across reopen, head=%+v", head)
	}
}

func TestQueueUpdatePersistsRetryState(t *testing.T) {
	q := openTestQueue(t)

	task := NewTask("b", "k1", "replica", "primary", CommandPutObject)
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task.ScheduleRetry()
	if err := q.Update(task); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if q.byNonce[task.Nonce].RetryCount != 1 {
		t.Errorf("expected retry count 1 persisted in memory, got %d", q.byNonce[task.Nonce].RetryCount)
	}
}
