// Package taskstore implements Herald's task-store persistence: periodic
// snapshotting of every bucket's mirror queue, dead-letter list, and
// advisory storage locks, plus the Keystone token
// cache, to a dedicated "task-store" bucket so a process restart can
// rehydrate in-flight work instead of losing it.
//
// The task-store bucket is proxied through Herald's own front door like
// any other configured bucket (it may itself be backed by S3 or Swift);
// this package never talks to a backend.Backend directly. It instead
// issues loopback HTTP calls to the local listener, carrying
// X-Amz-Content-Sha256: UNSIGNED-PAYLOAD and relying on the trusted-CIDR
// bypass (config.Config.IsTrusted) the front door grants to requests
// from localhost.
package taskstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/herrors"
	"github.com/herald-project/herald/keystone"
	"github.com/herald-project/herald/log"
	"github.com/herald-project/herald/message"
	"github.com/herald-project/herald/mirror"
)

// bucketName is the reserved registry bucket taskstore writes its own
// state into. It is never itself snapshotted.
const bucketName = "task-store"

// wireEntry is one queue entry on the wire: {key, value}, key being the
// native durable-queue key (the task's nonce).
type wireEntry struct {
	Key   string       `json:"key"`
	Value *mirror.Task `json:"value"`
}

// Store drives the periodic snapshot/rehydrate cycle. It holds no
// mutable state of its own beyond its HTTP client: the engine, the
// Keystone store, and the bucket registry remain the sources of truth.
type Store struct {
	cfg      *config.Config
	engine   *mirror.Engine
	keystone *keystone.Store
	logger   *log.Logger
	client   *http.Client
	baseURL  string
}

// NewStore builds a Store that talks back to this same process on port.
func NewStore(cfg *config.Config, engine *mirror.Engine, keystoneStore *keystone.Store, port int, logger *log.Logger) *Store {
	return &Store{
		cfg:      cfg,
		engine:   engine,
		keystone: keystoneStore,
		logger:   logger,
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  fmt.Sprintf("http://127.0.0.1:%d", port),
	}
}

// Run snapshots state to the task-store bucket every interval until ctx
// is canceled, logging (but not aborting on) any sync error.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncToRemote(ctx); err != nil {
				s.logger.Error(message.Error{Job: "task-store-sync", Err: err.Error()})
			}
		}
	}
}

// SyncToRemote serializes every bucket's pending queue, dead-letter list,
// and the process-wide storage-lock and Keystone state, PUTting each as
// its own object in the task-store bucket. Before snapshotting, it
// sweeps storage locks older than 2*TaskTimeout, logging a warning for
// every lock it clears.
func (s *Store) SyncToRemote(ctx context.Context) error {
	if cleared := s.engine.Locks().Sweep(2 * s.cfg.TaskTimeout); cleared > 0 {
		s.logger.Warning(message.Warning{Job: "task-store-lock-sweep", Err: fmt.Sprintf("cleared %d stale storage lock(s)", cleared)})
	}

	var errs []error
	for _, bucket := range s.cfg.Buckets() {
		if bucket.Name == bucketName {
			continue
		}
		queue, ok := s.engine.Queue(bucket.Name)
		if !ok {
			continue
		}

		if err := s.putJSON(ctx, bucket.Name+"/queue.json", toWire(queue.Entries())); err != nil {
			errs = append(errs, fmt.Errorf("taskstore: sync queue for %q: %w", bucket.Name, err))
			continue
		}

		dead, err := queue.DeadLetters()
		if err != nil {
			errs = append(errs, fmt.Errorf("taskstore: read dead letters for %q: %w", bucket.Name, err))
			continue
		}
		if err := s.putJSON(ctx, bucket.Name+"/dead.json", toWire(dead)); err != nil {
			errs = append(errs, fmt.Errorf("taskstore: sync dead letters for %q: %w", bucket.Name, err))
		}
	}

	if err := s.putJSON(ctx, "storage_locks.json", s.engine.Locks().Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("taskstore: sync storage locks: %w", err))
	}

	if s.keystone != nil {
		if err := s.putJSON(ctx, "keystone.json", s.keystone.ToSerializable()); err != nil {
			errs = append(errs, fmt.Errorf("taskstore: sync keystone snapshot: %w", err))
		}
	}

	return herrors.Aggregate(errs...)
}

// SyncFromRemote rehydrates local state from the task-store bucket at
// boot, before the engine's workers start consuming. Buckets whose
// remote blob is absent get an empty one uploaded as a side effect.
func (s *Store) SyncFromRemote(ctx context.Context) error {
	var errs []error

	for _, bucket := range s.cfg.Buckets() {
		if bucket.Name == bucketName {
			continue
		}
		if len(bucket.ResolvedReplicas()) == 0 {
			continue
		}

		if err := s.rehydrateBucket(ctx, bucket.Name); err != nil {
			errs = append(errs, err)
		}
	}

	var locks map[string]time.Time
	found, err := s.getJSON(ctx, "storage_locks.json", &locks)
	if err != nil {
		errs = append(errs, fmt.Errorf("taskstore: read storage locks: %w", err))
	} else if found {
		s.engine.Locks().Restore(locks)
	} else if err := s.putJSON(ctx, "storage_locks.json", map[string]time.Time{}); err != nil {
		errs = append(errs, fmt.Errorf("taskstore: initialize storage locks: %w", err))
	}

	if s.keystone != nil {
		var snaps []keystone.Snapshot
		found, err := s.getJSON(ctx, "keystone.json", &snaps)
		if err != nil {
			errs = append(errs, fmt.Errorf("taskstore: read keystone snapshot: %w", err))
		} else if found {
			s.keystone.FromSerializable(snaps)
		} else if err := s.putJSON(ctx, "keystone.json", []keystone.Snapshot{}); err != nil {
			errs = append(errs, fmt.Errorf("taskstore: initialize keystone snapshot: %w", err))
		}
	}

	return herrors.Aggregate(errs...)
}

func (s *Store) rehydrateBucket(ctx context.Context, bucket string) error {
	queue, err := mirror.Open(s.engine.QueuePath(bucket))
	if err != nil {
		return fmt.Errorf("taskstore: open local queue for %q: %w", bucket, err)
	}
	defer queue.Close()

	var pending []wireEntry
	found, err := s.getJSON(ctx, bucket+"/queue.json", &pending)
	if err != nil {
		return fmt.Errorf("taskstore: read queue for %q: %w", bucket, err)
	}
	if !found {
		if err := s.putJSON(ctx, bucket+"/queue.json", []wireEntry{}); err != nil {
			return err
		}
	}
	for _, entry := range pending {
		if err := queue.Enqueue(entry.Value); err != nil {
			return fmt.Errorf("taskstore: rehydrate queue entry %q for %q: %w", entry.Key, bucket, err)
		}
	}

	var dead []wireEntry
	found, err = s.getJSON(ctx, bucket+"/dead.json", &dead)
	if err != nil {
		return fmt.Errorf("taskstore: read dead letters for %q: %w", bucket, err)
	}
	if !found {
		return s.putJSON(ctx, bucket+"/dead.json", []wireEntry{})
	}
	for _, entry := range dead {
		if err := queue.RestoreDeadLetter(entry.Value); err != nil {
			return fmt.Errorf("taskstore: rehydrate dead letter %q for %q: %w", entry.Key, bucket, err)
		}
	}

	return nil
}

func toWire(tasks []*mirror.Task) []wireEntry {
	out := make([]wireEntry, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, wireEntry{Key: t.Nonce, Value: t})
	}
	return out
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("taskstore: marshal %q: %w", key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/task-store/"+key, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("taskstore: PUT %q: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("taskstore: PUT %q: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

// getJSON GETs key from the task-store bucket and decodes it into out.
// found is false (with a nil error) when the object does not yet exist.
func (s *Store) getJSON(ctx context.Context, key string, out interface{}) (found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/task-store/"+key, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("taskstore: GET %q: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("taskstore: GET %q: unexpected status %d", key, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("taskstore: decode %q: %w", key, err)
	}
	return true, nil
}
