package frontdoor

import (
	"context"
	"errors"
	"fmt"

	"github.com/herald-project/herald/backend"
	"github.com/herald-project/herald/herrors"
	"github.com/herald-project/herald/mirror"
)

// Backends resolves a configured backend name to its live client. cmd
// builds one from every backend.BackendDef in the registry (an
// s3backend.Client or a swiftbackend.Client) at process start; frontdoor
// never constructs one itself.
type Backends func(name string) (backend.Backend, bool)

// mirrorExecutor is the mirror.Executor the mirror engine drives: it
// replays a Task's effect against the named replica backend. Mirror
// tasks never carry an object body, keeping the queue entry small and
// durable — a PutObject/CopyObject task instead re-reads the
// already-committed object straight from the primary, since the primary
// write already succeeded by the time a task is enqueued.
type mirrorExecutor struct {
	backends Backends
}

// NewMirrorExecutor builds the mirror.Executor cmd/herald wires into
// mirror.Engine.Start. It is exported because constructing the engine
// (which needs an Executor before it can start) happens in cmd/herald,
// one layer above frontdoor.New itself.
func NewMirrorExecutor(backends Backends) mirror.Executor {
	return &mirrorExecutor{backends: backends}
}

var _ mirror.Executor = (*mirrorExecutor)(nil)

func (e *mirrorExecutor) Execute(ctx context.Context, t *mirror.Task) error {
	if err := e.execute(ctx, t); err != nil {
		// A 4xx from the replica is terminal: the client's write on the
		// primary is already durable, and a schema/ACL mismatch on the
		// replica will not heal by retrying. 5xx and transport errors
		// stay retryable.
		status := replicaStatus(err)
		return &herrors.MirrorError{
			Bucket:    t.Bucket,
			Replica:   t.Replica,
			Operation: string(t.Command),
			Err:       err,
			Retryable: status == 0 || status >= 500,
		}
	}
	return nil
}

// replicaStatus extracts the HTTP status carried by an aws-sdk-go-v2
// (HTTPStatusCode) or gophercloud (GetStatusCode) error chain, or 0 for
// transport-level failures that never got a response.
func replicaStatus(err error) int {
	var smithyErr interface{ HTTPStatusCode() int }
	if errors.As(err, &smithyErr) {
		return smithyErr.HTTPStatusCode()
	}
	var gcErr interface{ GetStatusCode() int }
	if errors.As(err, &gcErr) {
		return gcErr.GetStatusCode()
	}
	return 0
}

func (e *mirrorExecutor) execute(ctx context.Context, t *mirror.Task) error {
	replica, ok := e.backends(t.Replica)
	if !ok {
		return fmt.Errorf("frontdoor: mirror task references unknown replica backend %q", t.Replica)
	}

	switch t.Command {
	case mirror.CommandPutObject:
		return e.mirrorPut(ctx, t, replica, t.Key)
	case mirror.CommandCopyObject:
		return e.mirrorPut(ctx, t, replica, t.Key)
	case mirror.CommandDeleteObject:
		return replica.DeleteObject(ctx, t.Bucket, t.Key)
	case mirror.CommandDeleteObjects:
		results, err := replica.DeleteObjects(ctx, t.Bucket, t.Keys)
		if err != nil {
			return err
		}
		for _, r := range results {
			if !r.Deleted && r.Err != nil {
				return fmt.Errorf("frontdoor: mirror delete of %q failed: %w", r.Key, r.Err)
			}
		}
		return nil
	case mirror.CommandCreateBucket:
		return replica.CreateBucket(ctx, t.Bucket)
	case mirror.CommandDeleteBucket:
		return replica.DeleteBucket(ctx, t.Bucket)
	default:
		return fmt.Errorf("frontdoor: mirror task has unknown command %q", t.Command)
	}
}

// mirrorPut materializes the primary's current copy of the object and
// writes it to replica, used for both PutObject and CopyObject mirror
// tasks (a completed copy is indistinguishable from a put once the
// primary has committed it).
func (e *mirrorExecutor) mirrorPut(ctx context.Context, t *mirror.Task, replica backend.Backend, key string) error {
	primary, ok := e.backends(t.Primary)
	if !ok {
		return fmt.Errorf("frontdoor: mirror task references unknown primary backend %q", t.Primary)
	}

	body, info, err := primary.GetObject(ctx, t.Bucket, key, "")
	if err != nil {
		return fmt.Errorf("frontdoor: mirror read of %s/%s from primary: %w", t.Bucket, key, err)
	}
	defer body.Close()

	_, err = replica.PutObject(ctx, t.Bucket, key, body, info.Size, info.ContentType, info.UserMetadata)
	if err != nil {
		return fmt.Errorf("frontdoor: mirror write of %s/%s to replica: %w", t.Bucket, key, err)
	}
	return nil
}
