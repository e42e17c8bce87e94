// Package e2e drives Herald's actual front-door HTTP handler against
// fake S3 backends end to end: gofakes3-in-memory fixtures standing in
// for whatever's on the other end of the wire, the same test process
// issuing real HTTP requests at the thing under test. The fixtures wire
// up config.Config, mirror.Engine, and
// taskstore.Store the same way cmd/herald's run() does rather than
// exec'ing a subprocess.
package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/igungor/gofakes3"
	"github.com/igungor/gofakes3/backend/s3mem"

	"github.com/herald-project/herald/backend"
	"github.com/herald-project/herald/backend/s3backend"
	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/frontdoor"
	"github.com/herald-project/herald/keystone"
	"github.com/herald-project/herald/log"
	"github.com/herald-project/herald/mirror"
	"github.com/herald-project/herald/sigv4"
	"github.com/herald-project/herald/taskstore"
)

// newHTTPTestServer starts h on a real loopback socket and registers its
// teardown, so every scenario that needs genuine network traffic (as
// opposed to in-process ServeHTTP dispatch) gets one the same way.
func newHTTPTestServer(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

const (
	testAccessKeyID     = "AKIDEXAMPLE"
	testSecretAccessKey = "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"
)

// newFakeS3Server starts an in-memory S3-compatible fixture (gofakes3 +
// s3mem): a bare httptest URL, no persistence, which is all Herald's
// backend.Backend construction needs.
func newFakeS3Server(t *testing.T) string {
	t.Helper()
	faker := gofakes3.New(s3mem.New())
	srv := newHTTPTestServer(t, faker.Server())
	return srv
}

// harness wires one full in-process Herald stack: a config.Config with
// a primary bucket ("b") backed by one fake S3 server, one replica
// backed by a second, and a reserved task-store bucket backed by a
// third -- the same three-bucket shape cmd/herald's run() assembles
// from a real config document, minus config-file parsing.
type harness struct {
	cfg      *config.Config
	engine   *mirror.Engine
	store    *taskstore.Store
	handler  *frontdoor.Handler
	logger   *log.Logger
	backends map[string]backend.Backend

	serverURL string // Herald's own front door, for HTTP-level scenarios
}

type harnessOptions struct {
	authType    config.AuthType
	taskTimeout time.Duration

	// taskStoreURL, when set, is reused instead of starting a fresh fake
	// S3 server — simulating a process restart against the same
	// task-store bucket contents while the mirror engine's local bbolt
	// state (which does not survive a restart) is rebuilt from scratch.
	taskStoreURL string

	// executor, when set, replaces frontdoor.NewMirrorExecutor as the
	// mirror engine's executor — for scenarios that need to control
	// exactly when a replica write completes rather than going through a
	// real fake-S3 round trip.
	executor mirror.Executor
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()

	primaryURL := newFakeS3Server(t)
	replicaURL := newFakeS3Server(t)
	taskStoreURL := opts.taskStoreURL
	if taskStoreURL == "" {
		taskStoreURL = newFakeS3Server(t)
	}

	if opts.taskTimeout == 0 {
		opts.taskTimeout = 5 * time.Second
	}

	doc := config.Document{
		DefaultBucket: "b",
		AuthType:      opts.authType,
		Backends: []config.BackendDef{
			{Name: "primary", Protocol: config.ProtocolS3, Endpoint: primaryURL, Region: "us-east-1", Credentials: config.Credentials{AccessKeyID: testAccessKeyID, SecretAccessKey: testSecretAccessKey}},
			{Name: "replica", Protocol: config.ProtocolS3, Endpoint: replicaURL, Region: "us-east-1", Credentials: config.Credentials{AccessKeyID: testAccessKeyID, SecretAccessKey: testSecretAccessKey}},
			{Name: "taskstore-backend", Protocol: config.ProtocolS3, Endpoint: taskStoreURL, Region: "us-east-1", Credentials: config.Credentials{AccessKeyID: testAccessKeyID, SecretAccessKey: testSecretAccessKey}},
		},
		Buckets: []config.Bucket{
			{Name: "b", Backend: "primary", Replicas: []config.Replica{{Backend: "replica"}}},
			{Name: "task-store", Backend: "taskstore-backend"},
		},
		TaskTimeoutSeconds: int(opts.taskTimeout / time.Second),
	}
	cfg, err := config.FromDocument(doc)
	if err != nil {
		t.Fatalf("config.FromDocument: %v", err)
	}

	backends := map[string]backend.Backend{}
	for _, name := range []string{"primary", "replica", "taskstore-backend"} {
		def, _ := cfg.Backend(name)
		client, err := s3backend.New(ctx, def)
		if err != nil {
			t.Fatalf("s3backend.New(%q): %v", name, err)
		}
		backends[name] = client
	}
	lookup := func(name string) (backend.Backend, bool) {
		b, ok := backends[name]
		return b, ok
	}

	if err := ensureBucket(ctx, backends["primary"], "b"); err != nil {
		t.Fatalf("create primary bucket: %v", err)
	}
	if err := ensureBucket(ctx, backends["replica"], "b"); err != nil {
		t.Fatalf("create replica bucket: %v", err)
	}
	if err := ensureBucket(ctx, backends["taskstore-backend"], "task-store"); err != nil {
		t.Fatalf("create task-store bucket: %v", err)
	}

	logger := log.New(log.LevelDebug, false)
	t.Cleanup(logger.Close)

	engine := mirror.NewEngine(t.TempDir(), opts.taskTimeout)
	keystoneStore := keystone.NewStore(cfg)
	secrets := sigv4.SecretLookup(func(accessKeyID string) (string, bool) {
		if accessKeyID == testAccessKeyID {
			return testSecretAccessKey, true
		}
		return "", false
	})
	handler := frontdoor.New(cfg, lookup, secrets, "", engine, logger)

	serverURL := newHTTPTestServer(t, handler.Router())

	port, err := portFromURL(serverURL)
	if err != nil {
		t.Fatalf("portFromURL: %v", err)
	}
	store := taskstore.NewStore(cfg, engine, keystoneStore, port, logger)

	if err := store.SyncFromRemote(ctx); err != nil {
		t.Fatalf("SyncFromRemote: %v", err)
	}
	executor := opts.executor
	if executor == nil {
		executor = frontdoor.NewMirrorExecutor(lookup)
	}
	if _, err := engine.Start(ctx, cfg, executor, logger); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}

	return &harness{
		cfg:       cfg,
		engine:    engine,
		store:     store,
		handler:   handler,
		logger:    logger,
		backends:  backends,
		serverURL: serverURL,
	}
}

// replica returns the backend.Backend standing in for bucket "b"'s
// configured replica, so scenarios can poll it directly without routing
// back through Herald's own front door.
func (h *harness) replica() backend.Backend {
	return h.backends["replica"]
}

// taskStoreEndpoint returns the fake S3 server URL backing the
// task-store bucket, so a second harness can be pointed at the exact
// same backing store to simulate a process restart.
func (h *harness) taskStoreEndpoint() string {
	def, _ := h.cfg.Backend("taskstore-backend")
	return def.Endpoint
}

// ensureBucket creates name on b, tolerating the already-exists case so
// a second harness can be pointed at a fake S3 server a prior harness
// already provisioned (used to simulate a process restart against the
// same task-store backing store).
func ensureBucket(ctx context.Context, b backend.Backend, name string) error {
	err := b.CreateBucket(ctx, name)
	if err == nil || strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") || strings.Contains(err.Error(), "BucketAlreadyExists") {
		return nil
	}
	return err
}

func portFromURL(rawurl string) (int, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return 0, err
	}
	_, portStr, err := splitHostPort(u.Host)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

func splitHostPort(hostport string) (host, port string, err error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return hostport, "", nil
	}
	return hostport[:i], hostport[i+1:], nil
}
