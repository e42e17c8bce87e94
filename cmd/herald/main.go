// Command herald runs the Herald S3-compatible mirroring reverse proxy.
// It owns config-file discovery, signal handling, TLS termination, and
// process exit codes, and wires every component together: urfave/cli for
// flag parsing and an Action that does the one-time setup and then runs
// the long-lived server.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/herald-project/herald/backend"
	"github.com/herald-project/herald/backend/s3backend"
	"github.com/herald-project/herald/backend/swiftbackend"
	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/frontdoor"
	"github.com/herald-project/herald/keystone"
	"github.com/herald-project/herald/log"
	"github.com/herald-project/herald/message"
	"github.com/herald-project/herald/mirror"
	"github.com/herald-project/herald/sigv4"
	"github.com/herald-project/herald/taskstore"
	"github.com/herald-project/herald/version"
	"github.com/herald-project/herald/workerpool/fdlimit"
)

const appName = "herald"

var app = &cli.App{
	Name:  appName,
	Usage: "S3-compatible reverse proxy that mirrors writes across heterogeneous object-storage backends",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Aliases:  []string{"c"},
			Usage:    "path to the Herald config YAML document",
			EnvVars:  []string{"HERALD_CONFIG"},
			Required: true,
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "override the config document's listen port",
			EnvVars: []string{"HERALD_PORT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "log level: (debug, info, warning, error, fatal)",
			EnvVars: []string{"log_level"},
		},
		&cli.BoolFlag{
			Name:    "log-json",
			Usage:   "emit structured JSON log lines instead of text",
			EnvVars: []string{"HERALD_LOG_JSON"},
		},
		&cli.StringFlag{
			Name:    "cert-path",
			Usage:   "TLS certificate+key bundle directory; empty serves plain HTTP",
			EnvVars: []string{"cert_path"},
		},
		&cli.StringFlag{
			Name:    "service-account-token-path",
			Usage:   "path to this pod's projected service-account token, for auth_type=service_account",
			EnvVars: []string{"service_account_token_path"},
		},
		&cli.StringFlag{
			Name:    "k8s-api",
			Usage:   "Kubernetes API server base URL the JWKS endpoint is resolved against",
			EnvVars: []string{"k8s_api"},
		},
		&cli.StringFlag{
			Name:    "env",
			Usage:   "deployment environment tag (dev, staging, prod), surfaced in logs",
			EnvVars: []string{"env"},
		},
		&cli.StringFlag{
			Name:    "sentry-dsn",
			Usage:   "Sentry DSN for telemetry reporting",
			EnvVars: []string{"sentry_dsn"},
		},
		&cli.BoolFlag{
			Name:  "version",
			Usage: "print version and exit",
		},
	},
	Action: mainAction,
}

// Main is the entrypoint function: a thin wrapper so integration tests
// can drive the CLI without an os.Exit.
func Main(ctx context.Context, args []string) error {
	return app.RunContext(ctx, args)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := Main(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainAction(c *cli.Context) error {
	if c.Bool("version") {
		fmt.Printf("%s version %s (%s)\n", appName, version.GitSummary, version.GitBranch)
		return nil
	}

	if err := fdlimit.Raise(); err != nil {
		fmt.Fprintf(os.Stderr, "# warning: could not raise open-file limit: %v\n", err)
	}

	raw, err := os.ReadFile(c.String("config"))
	if err != nil {
		return fmt.Errorf("herald: read config %q: %w", c.String("config"), err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return fmt.Errorf("herald: parse config: %w", err)
	}
	if port := c.Int("port"); port != 0 {
		cfg.Port = port
	}

	logger := log.New(log.LevelFromString(c.String("log-level")), c.Bool("log-json"))
	defer logger.Close()
	logger.Info(message.Info{Operation: "boot", Target: fmt.Sprintf("env=%s port=%d buckets=%d", c.String("env"), cfg.Port, len(cfg.Buckets()))})

	return run(c.Context, cfg, logger, bootOptions{
		certPath:               c.String("cert-path"),
		serviceAccountTokenURL: serviceAccountJWKSURL(c.String("k8s-api")),
	})
}

type bootOptions struct {
	certPath               string
	serviceAccountTokenURL string
}

// serviceAccountJWKSURL derives the Kubernetes API server's JWKS
// endpoint from k8s_api: used only when auth_type is
// service_account.
func serviceAccountJWKSURL(k8sAPI string) string {
	if k8sAPI == "" {
		return ""
	}
	return k8sAPI + "/openid/v1/jwks"
}

// run wires every component together and blocks until ctx is canceled,
// then drains the mirror engine's in-flight work before returning. Splitting this
// out of mainAction keeps the urfave/cli glue separate from the actual
// component wiring, which is what e2e tests exercise directly.
func run(ctx context.Context, cfg *config.Config, logger *log.Logger, opts bootOptions) error {
	keystoneStore := keystone.NewStore(cfg)
	if err := keystoneStore.RefreshAll(ctx); err != nil {
		logger.Warning(message.Warning{Job: "keystone-init", Err: err.Error()})
	}
	go keystoneStore.Run(ctx, cfg.KeystoneRefresh, func(err error) {
		logger.Error(message.Error{Job: "keystone-refresh", Err: err.Error()})
	})

	backends, err := buildBackends(ctx, cfg, keystoneStore)
	if err != nil {
		return fmt.Errorf("herald: build backends: %w", err)
	}
	lookup := func(name string) (backend.Backend, bool) {
		b, ok := backends[name]
		return b, ok
	}

	// The mirror engine is constructed but not yet Started: its per-bucket
	// bbolt queue files stay unopened until after the task-store rehydrate
	// below, and the listener below must be up first so that rehydrate's
	// loopback HTTP calls have somewhere to land. engine.Enqueue is safe to
	// reference from the handler before Start runs — it only does
	// anything for a bucket with replicas configured, and the reserved
	// task-store bucket never has any.
	engine := mirror.NewEngine(dataDir(), cfg.TaskTimeout)

	secrets := secretLookup(cfg)
	handler := frontdoor.New(cfg, lookup, secrets, opts.serviceAccountTokenURL, engine, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler.Router(),
	}
	if opts.certPath != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// net.Listen binds (and starts accepting) synchronously, so the
	// task-store rehydrate below never races the listener — srv.Serve
	// only needs to run in its own goroutine, not the bind itself.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("herald: listen on %s: %w", srv.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		if opts.certPath != "" {
			serveErr <- srv.ServeTLS(ln, opts.certPath+"/tls.crt", opts.certPath+"/tls.key")
		} else {
			serveErr <- srv.Serve(ln)
		}
	}()
	logger.Info(message.Info{Operation: "listen", Target: srv.Addr})

	store := taskstore.NewStore(cfg, engine, keystoneStore, cfg.Port, logger)
	if err := store.SyncFromRemote(ctx); err != nil {
		logger.Warning(message.Warning{Job: "task-store-rehydrate", Err: err.Error()})
	}

	// engine.Start opens every replica-bearing bucket's bbolt queue file
	// for the lifetime of the worker that owns it. It must run after
	// SyncFromRemote returns: rehydrate's mirror.Open/Close pair on that
	// same path has to fully release the file's flock first, or this
	// second bolt.Open blocks forever — POSIX flock() is per-open-file-
	// description, so two opens of the same path in one process never
	// resolve against each other. Every bucket with a replica configured
	// (the system's core use case) would deadlock boot on the reverse
	// ordering.
	executor := frontdoor.NewMirrorExecutor(lookup)
	group, err := engine.Start(ctx, cfg, executor, logger)
	if err != nil {
		return fmt.Errorf("herald: start mirror engine: %w", err)
	}
	go store.Run(ctx, cfg.SnapshotInterval)
	go pruneStaleSwiftUploads(ctx, backends, logger)
	handler.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info(message.Info{Operation: "shutdown", Target: "signal received"})
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal(message.Error{Job: "listen", Err: err.Error()})
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := store.SyncToRemote(shutdownCtx); err != nil {
		logger.Warning(message.Warning{Job: "task-store-final-sync", Err: err.Error()})
	}

	engine.Shutdown()
	return group.Wait()
}

// buildBackends constructs one backend.Backend per config.BackendDef
// referenced by the registry, dispatching on Protocol: aws-sdk-go-v2 for
// S3, gophercloud/v2 (via keystone.Store) for Swift.
func buildBackends(ctx context.Context, cfg *config.Config, keystoneStore *keystone.Store) (map[string]backend.Backend, error) {
	seen := map[string]*config.BackendDef{}
	for _, bucket := range cfg.Buckets() {
		seen[bucket.ResolvedBackend().Name] = bucket.ResolvedBackend()
		for _, r := range bucket.ResolvedReplicas() {
			seen[r.Name] = r
		}
	}

	out := make(map[string]backend.Backend, len(seen))
	for name, def := range seen {
		switch def.Protocol {
		case config.ProtocolS3:
			client, err := s3backend.New(ctx, def)
			if err != nil {
				return nil, fmt.Errorf("herald: build s3 backend %q: %w", name, err)
			}
			out[name] = client
		case config.ProtocolSwift:
			d := def
			out[name] = swiftbackend.New(func() (*keystone.AuthMeta, error) {
				return keystoneStore.GetAuthMeta(d)
			})
		default:
			return nil, fmt.Errorf("herald: backend %q has unknown protocol %q", name, def.Protocol)
		}
	}
	return out, nil
}

// secretLookup builds the SigV4 access-key-id -> secret table from every
// S3 BackendDef's static credentials in the registry (auth_type=default).
func secretLookup(cfg *config.Config) sigv4.SecretLookup {
	secrets := map[string]string{}
	for _, bucket := range cfg.Buckets() {
		for _, def := range append([]*config.BackendDef{bucket.ResolvedBackend()}, bucket.ResolvedReplicas()...) {
			if def.Protocol == config.ProtocolS3 && def.Credentials.AccessKeyID != "" {
				secrets[def.Credentials.AccessKeyID] = def.Credentials.SecretAccessKey
			}
		}
	}
	return func(accessKeyID string) (string, bool) {
		secret, ok := secrets[accessKeyID]
		return secret, ok
	}
}

// pruneStaleSwiftUploads sweeps every Swift backend's abandoned
// multipart uploads once an hour. An upload created more than 24 hours
// ago and still neither completed nor aborted is assumed dead: its
// client is gone and its part objects would otherwise
// leak in the backend forever.
func pruneStaleSwiftUploads(ctx context.Context, backends map[string]backend.Backend, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, b := range backends {
				sw, ok := b.(*swiftbackend.Client)
				if !ok {
					continue
				}
				if n := sw.PruneStaleUploads(ctx, 24*time.Hour); n > 0 {
					logger.Warning(message.Warning{Job: "multipart-prune", Err: fmt.Sprintf("backend %s: pruned %d stale upload(s)", name, n)})
				}
			}
		}
	}
}

// dataDir resolves the local directory the mirror engine's durable
// bbolt queues live in.
func dataDir() string {
	if dir := os.Getenv("HERALD_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/herald"
}
