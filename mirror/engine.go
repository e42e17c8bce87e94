package mirror

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/herrors"
	"github.com/herald-project/herald/log"
	"github.com/herald-project/herald/log/stat"
	"github.com/herald-project/herald/message"
)

// Executor performs the actual PutObject/DeleteObject/CopyObject call a
// Task describes against the named replica backend. frontdoor/cmd wire a
// real implementation backed by backend.Backend instances; tests can
// substitute a fake.
type Executor interface {
	Execute(ctx context.Context, t *Task) error
}

// workerMsg is the tagged sum type one bucket worker's control channel
// carries. Matching is exhaustive: an unrecognized message type is a
// programmer error and aborts rather than being silently ignored.
type workerMsg interface{ isWorkerMsg() }

type msgEnqueue struct{ task *Task }
type msgShutdown struct{}

func (msgEnqueue) isWorkerMsg()  {}
func (msgShutdown) isWorkerMsg() {}

// bucketWorker owns one bucket's durable Queue and processes it with a
// single goroutine, so writes to the same bucket+key always serialize
// onto the same worker and are never reordered relative to each other.
type bucketWorker struct {
	bucket   string
	queue    *Queue
	executor Executor
	logger   *log.Logger
	timeout  time.Duration
	locks    *LockTable
	msgs     chan workerMsg
}

func newBucketWorker(bucket string, queue *Queue, executor Executor, logger *log.Logger, timeout time.Duration, locks *LockTable) *bucketWorker {
	return &bucketWorker{
		bucket:   bucket,
		queue:    queue,
		executor: executor,
		logger:   logger,
		timeout:  timeout,
		locks:    locks,
		msgs:     make(chan workerMsg, 64),
	}
}

func (w *bucketWorker) Enqueue(t *Task) { w.msgs <- msgEnqueue{task: t} }
func (w *bucketWorker) Shutdown()       { w.msgs <- msgShutdown{} }

// run drains the queue, racing each task's execution against
// TASK_TIMEOUT, and reacts to incoming enqueue/shutdown messages between
// attempts. It never blocks forever on an empty queue: it polls on a
// short idle ticker so a delayed-retry task becomes ready without
// needing an external wakeup.
func (w *bucketWorker) run(ctx context.Context) error {
	idle := time.NewTicker(250 * time.Millisecond)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-w.msgs:
			switch m := msg.(type) {
			case msgEnqueue:
				stat.ObserveOldestQueued(w.bucket, m.task.EnqueuedAt)
			case msgShutdown:
				return nil
			default:
				return fmt.Errorf("mirror: bucketWorker received unknown message type %T", m)
			}
		case <-idle.C:
			w.drainReady(ctx)
		}
	}
}

func (w *bucketWorker) drainReady(ctx context.Context) {
	for {
		task := w.queue.Peek()
		if task == nil {
			stat.ClearOldestQueued(w.bucket)
			return
		}

		lockKey := w.bucket + "/" + task.Key + "/" + task.Replica
		if task.IsDestructive() {
			w.locks.Acquire(lockKey)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.executor.Execute(attemptCtx, task)
		cancel()

		if task.IsDestructive() {
			w.locks.Release(lockKey)
		}

		if err == nil {
			stat.RecordSuccess(w.bucket)
			w.logger.Info(message.MirrorAttempt{Nonce: task.Nonce, Bucket: task.Bucket, Replica: task.Replica, Command: string(task.Command), RetryCount: task.RetryCount})
			_ = w.queue.Remove(task.Nonce)
			continue
		}

		if herrors.IsCancelation(err) {
			return
		}

		stat.RecordFailure(w.bucket)
		w.logger.Warning(message.MirrorAttempt{Nonce: task.Nonce, Bucket: task.Bucket, Replica: task.Replica, Command: string(task.Command), RetryCount: task.RetryCount, Err: err.Error()})

		var me *herrors.MirrorError
		if errors.As(err, &me) && !me.Retryable {
			stat.RecordDeadLetter(w.bucket)
			w.logger.Error(message.Error{Job: "mirror-dead-letter", Err: fmt.Sprintf("%s %s/%s -> %s not retryable: %v", task.Command, task.Bucket, task.Key, task.Replica, err)})
			_ = w.queue.DeadLetter(task)
			continue
		}

		if task.Exhausted() {
			stat.RecordDeadLetter(w.bucket)
			w.logger.Error(message.Error{Job: "mirror-dead-letter", Err: fmt.Sprintf("%s %s/%s -> %s exhausted retries: %v", task.Command, task.Bucket, task.Key, task.Replica, err)})
			_ = w.queue.DeadLetter(task)
			continue
		}

		task.ScheduleRetry()
		_ = w.queue.Update(task)
		return // back off: stop draining until the next idle tick
	}
}

// Engine owns one bucketWorker per configured bucket and the errgroup
// that supervises their lifecycles.
type Engine struct {
	mu      sync.RWMutex
	workers map[string]*bucketWorker
	queues  map[string]*Queue
	dataDir string
	timeout time.Duration
	locks   *LockTable
}

// NewEngine builds an Engine. dataDir is where per-bucket queue.db files
// live (<dataDir>/<bucket>.queue.db).
func NewEngine(dataDir string, taskTimeout time.Duration) *Engine {
	return &Engine{
		workers: map[string]*bucketWorker{},
		queues:  map[string]*Queue{},
		dataDir: dataDir,
		timeout: taskTimeout,
		locks:   NewLockTable(),
	}
}

// Locks returns the engine's shared StorageLocks table, for taskstore's
// periodic snapshot and TTL sweep.
func (e *Engine) Locks() *LockTable { return e.locks }

// Queue returns the durable queue for bucket, if a worker has been
// started for it.
func (e *Engine) Queue(bucket string) (*Queue, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.queues[bucket]
	return q, ok
}

// Start opens (or creates) the durable queue for every bucket in cfg and
// launches one worker goroutine per bucket under the returned errgroup.
// Callers keep the returned group's Wait for graceful shutdown.
func (e *Engine) Start(ctx context.Context, cfg *config.Config, executor Executor, logger *log.Logger) (*errgroup.Group, error) {
	g, gctx := errgroup.WithContext(ctx)

	for _, bucket := range cfg.Buckets() {
		if len(bucket.ResolvedReplicas()) == 0 {
			continue // no replicas configured, nothing to mirror
		}

		queue, err := e.openOrCreateQueue(bucket.Name)
		if err != nil {
			return nil, fmt.Errorf("mirror: open queue for bucket %q: %w", bucket.Name, err)
		}

		worker := newBucketWorker(bucket.Name, queue, executor, logger.With(bucket.Name), e.timeout, e.locks)

		e.mu.Lock()
		e.workers[bucket.Name] = worker
		e.queues[bucket.Name] = queue
		e.mu.Unlock()

		g.Go(func() error { return worker.run(gctx) })
	}

	return g, nil
}

func (e *Engine) openOrCreateQueue(bucket string) (*Queue, error) {
	e.mu.RLock()
	if q, ok := e.queues[bucket]; ok {
		e.mu.RUnlock()
		return q, nil
	}
	e.mu.RUnlock()

	return Open(e.QueuePath(bucket))
}

// QueuePath returns the on-disk path of bucket's durable queue file,
// letting taskstore rehydrate a queue before Start has opened it.
func (e *Engine) QueuePath(bucket string) string {
	return filepath.Join(e.dataDir, bucket+".queue.db")
}

// RegisterQueue pushes a queue rebuilt elsewhere (e.g. taskstore's
// syncFromRemote) into the engine's live set, starting a worker for it
// if one isn't already running.
func (e *Engine) RegisterQueue(ctx context.Context, bucket string, queue *Queue, executor Executor, logger *log.Logger, g *errgroup.Group) {
	e.mu.Lock()
	if _, exists := e.workers[bucket]; exists {
		e.mu.Unlock()
		return
	}
	worker := newBucketWorker(bucket, queue, executor, logger.With(bucket), e.timeout, e.locks)
	e.workers[bucket] = worker
	e.queues[bucket] = queue
	e.mu.Unlock()

	g.Go(func() error { return worker.run(ctx) })
}

// Enqueue hands a new mirror task to the bucket's worker. Returns an
// error if the bucket has no replicas configured (programmer error —
// callers should check config before calling Enqueue).
func (e *Engine) Enqueue(bucket string, t *Task) error {
	e.mu.RLock()
	worker, ok := e.workers[bucket]
	queue := e.queues[bucket]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mirror: no worker for bucket %q", bucket)
	}
	if err := queue.Enqueue(t); err != nil {
		return err
	}
	worker.Enqueue(t)
	return nil
}

// QueueDepths reports the current pending depth per bucket, for the
// bucket-status introspection endpoint.
func (e *Engine) QueueDepths() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]int, len(e.queues))
	for bucket, q := range e.queues {
		out[bucket] = q.Len()
	}
	return out
}

// Shutdown signals every worker to stop after its current attempt.
func (e *Engine) Shutdown() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, w := range e.workers {
		w.Shutdown()
	}
}
