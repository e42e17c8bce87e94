package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/herald-project/herald/mirror"
)

// blockingExecutor never completes a task until released, so tasks
// enqueued against it stay pending long enough for a snapshot to
// observe them.
type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, t *mirror.Task) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestTaskStoreSnapshotAndRehydrate: two pending mirror tasks
// snapshotted to the task-store bucket must be recovered in full by a
// fresh process (here, a second harness sharing the first's task-store
// backing store but with its own brand-new mirror engine and bbolt
// state, the same way a real restart loses local disk but not the
// remote task-store snapshot).
func TestTaskStoreSnapshotAndRehydrate(t *testing.T) {
	blocking := &blockingExecutor{release: make(chan struct{})}
	t.Cleanup(func() { close(blocking.release) })

	h1 := newHarness(t, harnessOptions{authType: "none", taskTimeout: time.Minute, executor: blocking})

	// h1's engine never completes a task (blockingExecutor holds every
	// attempt open), so both enqueued tasks are still pending, durable
	// queue state when SyncToRemote snapshots them below — this test is
	// about task-store's own snapshot/rehydrate contract, not the front
	// door's dispatch path (covered by the round-trip and mirror tests).
	task1 := mirror.NewTask("b", "pending-1.txt", "replica", "primary", mirror.CommandPutObject)
	task2 := mirror.NewTask("b", "pending-2.txt", "replica", "primary", mirror.CommandPutObject)
	assert.NilError(t, h1.engine.Enqueue("b", task1))
	assert.NilError(t, h1.engine.Enqueue("b", task2))

	// Give the worker a moment to dequeue the first task into its
	// in-flight attempt (and block on it) before snapshotting, so the
	// snapshot reflects genuinely pending durable-queue state.
	time.Sleep(200 * time.Millisecond)

	assert.NilError(t, h1.store.SyncToRemote(context.Background()))

	var snapshot []struct {
		Key   string       `json:"key"`
		Value *mirror.Task `json:"value"`
	}
	resp, err := http.Get(h1.serverURL + "/task-store/b/queue.json")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	raw, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.NilError(t, json.Unmarshal(raw, &snapshot))
	assert.Equal(t, len(snapshot), 2, "expected both pending tasks in the queue snapshot")

	locksResp, err := http.Get(h1.serverURL + "/task-store/storage_locks.json")
	assert.NilError(t, err)
	defer locksResp.Body.Close()
	assert.Equal(t, locksResp.StatusCode, http.StatusOK)

	// Simulate a restart: a second harness with fresh local (bbolt)
	// state, pointed at the same task-store backing store h1 wrote to.
	// Its executor blocks too, so the rehydrated tasks stay pending for
	// the depth assertion instead of being attempted (and, with their
	// source objects gone, dead-lettered) under the test's feet.
	blocking2 := &blockingExecutor{release: make(chan struct{})}
	t.Cleanup(func() { close(blocking2.release) })
	h2 := newHarness(t, harnessOptions{
		authType:     "none",
		taskTimeout:  time.Minute,
		taskStoreURL: h1.taskStoreEndpoint(),
		executor:     blocking2,
	})

	depths := h2.engine.QueueDepths()
	assert.Equal(t, depths["b"], 2, "expected the rehydrated engine to have resumed both pending tasks")
}
