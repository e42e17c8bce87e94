// Package config implements Herald's typed configuration model and bucket
// registry. Config-file *discovery* — picking a path, honoring an
// override flag, reloading on SIGHUP — belongs to the caller; this
// package only owns the document's shape, decoding, and the read-only
// registry built from it.
package config

import (
	"fmt"
	"net"
	"time"

	"gopkg.in/yaml.v2"
)

// Protocol identifies which wire dialect a backend speaks.
type Protocol string

const (
	ProtocolS3    Protocol = "s3"
	ProtocolSwift Protocol = "swift"
)

// AuthType controls how Herald authenticates inbound client requests.
type AuthType string

const (
	AuthNone           AuthType = "none"
	AuthDefault        AuthType = "default"
	AuthServiceAccount AuthType = "service_account"
)

// Credentials holds either S3 access-key credentials or Swift Keystone
// credentials, never both — which fields are populated is implied by the
// owning BackendDef's Protocol.
type Credentials struct {
	// S3
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// Swift / Keystone
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Project  string `yaml:"project"`
	Domain   string `yaml:"domain"`
	AuthURL  string `yaml:"auth_url"`
}

// BackendDef is a concrete upstream storage endpoint.
type BackendDef struct {
	Name        string      `yaml:"name"`
	Protocol    Protocol    `yaml:"protocol"`
	Endpoint    string      `yaml:"endpoint"`
	Region      string      `yaml:"region"`
	Credentials Credentials `yaml:"credentials"`
}

// ConfigKey is the Keystone token-cache key, "auth_url-region".
func (b BackendDef) ConfigKey() string {
	return b.Credentials.AuthURL + "-" + b.Region
}

// Replica is a bucket designated to receive mirror writes for some
// primary bucket.
type Replica struct {
	Backend string `yaml:"backend"`
}

// Bucket is a named logical container. Backend/Replicas are resolved
// BackendDef references, looked up by name once at load time so runtime
// code never has to re-walk the raw document.
type Bucket struct {
	Name     string    `yaml:"name"`
	Backend  string    `yaml:"backend"`
	Replicas []Replica `yaml:"replicas"`

	backend     *BackendDef
	replicaDefs []*BackendDef
}

// ResolvedBackend returns the bucket's primary BackendDef.
func (b *Bucket) ResolvedBackend() *BackendDef { return b.backend }

// ResolvedReplicas returns the bucket's replica BackendDefs, in configured
// order. The primary backend is never among them (load-time invariant).
func (b *Bucket) ResolvedReplicas() []*BackendDef { return b.replicaDefs }

// ServiceAccount maps a k8s service-account JWT subject to the buckets it
// may access.
type ServiceAccount struct {
	Name    string   `yaml:"name"`
	Buckets []string `yaml:"buckets"`
}

// CORS is the allow-list and preflight-cache policy for the front-door
// handler.
type CORS struct {
	Host          []string `yaml:"host"`
	MaxAgeSeconds int      `yaml:"max_age_seconds"`
}

// Document is the raw on-disk shape of the config file.
type Document struct {
	Port                int               `yaml:"port"`
	DefaultBucket       string            `yaml:"default_bucket"`
	CORS                CORS              `yaml:"cors"`
	TrustedIPs          []string          `yaml:"trusted_ips"`
	AuthType            AuthType          `yaml:"auth_type"`
	ServiceAccounts     []ServiceAccount  `yaml:"service_accounts"`
	Backends            []BackendDef      `yaml:"backends"`
	Buckets             []Bucket          `yaml:"buckets"`
	VirtualHostAliases  []string          `yaml:"virtual_host_aliases"`
	TaskTimeoutSeconds  int               `yaml:"task_timeout_seconds"`
	ClockSkewSeconds    int               `yaml:"clock_skew_seconds"`
	KeystoneRefreshMins int               `yaml:"keystone_refresh_minutes"`
	SnapshotIntervalMin int               `yaml:"snapshot_interval_minutes"`
}

// Config is the validated, cross-referenced view of a Document: the
// bucket registry plus derived lookup tables. It is built once at boot
// and is read-only thereafter.
type Config struct {
	Port               int
	DefaultBucket      string
	CORS               CORS
	TrustedNets        []*net.IPNet
	AuthType           AuthType
	ServiceAccounts    map[string][]string // subject -> allowed buckets
	VirtualHostAliases []string
	TaskTimeout        time.Duration
	ClockSkew          time.Duration
	KeystoneRefresh    time.Duration
	SnapshotInterval   time.Duration

	backends map[string]*BackendDef
	buckets  map[string]*Bucket
	order    []string // bucket names in config order, for deterministic iteration
}

const (
	defaultTaskTimeout       = 10 * time.Minute
	defaultClockSkew         = 15 * time.Minute
	defaultKeystoneRefresh   = 55 * time.Minute
	defaultSnapshotInterval  = 5 * time.Minute
	defaultCORSMaxAgeSeconds = 600
)

// Parse decodes and validates a config document. Reading the bytes from
// disk/env is the caller's (cmd/herald's) job — this function only owns
// the document's shape and its invariants.
func Parse(raw []byte) (*Config, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return FromDocument(doc)
}

// FromDocument builds a validated Config from an already-decoded
// Document, resolving bucket->backend and replica references and
// enforcing the registry invariants: replicas never contain the
// primary, and bucket names are globally unique.
func FromDocument(doc Document) (*Config, error) {
	cfg := &Config{
		Port:            doc.Port,
		DefaultBucket:   doc.DefaultBucket,
		CORS:            doc.CORS,
		AuthType:        doc.AuthType,
		ServiceAccounts: map[string][]string{},
		backends:        map[string]*BackendDef{},
		buckets:         map[string]*Bucket{},
	}
	if cfg.CORS.MaxAgeSeconds == 0 {
		cfg.CORS.MaxAgeSeconds = defaultCORSMaxAgeSeconds
	}

	cfg.VirtualHostAliases = doc.VirtualHostAliases
	if len(cfg.VirtualHostAliases) == 0 {
		cfg.VirtualHostAliases = []string{"s3"}
	}

	cfg.TaskTimeout = secondsOrDefault(doc.TaskTimeoutSeconds, defaultTaskTimeout)
	cfg.ClockSkew = secondsOrDefault(doc.ClockSkewSeconds, defaultClockSkew)
	cfg.KeystoneRefresh = minutesOrDefault(doc.KeystoneRefreshMins, defaultKeystoneRefresh)
	cfg.SnapshotInterval = minutesOrDefault(doc.SnapshotIntervalMin, defaultSnapshotInterval)

	for _, cidr := range doc.TrustedIPs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("config: trusted_ips: invalid CIDR %q: %w", cidr, err)
		}
		cfg.TrustedNets = append(cfg.TrustedNets, ipnet)
	}

	for i := range doc.Backends {
		b := doc.Backends[i]
		if _, exists := cfg.backends[b.Name]; exists {
			return nil, fmt.Errorf("config: duplicate backend name %q", b.Name)
		}
		cfg.backends[b.Name] = &doc.Backends[i]
	}

	for i := range doc.Buckets {
		bucket := doc.Buckets[i]
		if _, exists := cfg.buckets[bucket.Name]; exists {
			return nil, fmt.Errorf("config: duplicate bucket name %q", bucket.Name)
		}

		primary, ok := cfg.backends[bucket.Backend]
		if !ok {
			return nil, fmt.Errorf("config: bucket %q references unknown backend %q", bucket.Name, bucket.Backend)
		}
		bucket.backend = primary

		for _, r := range bucket.Replicas {
			rb, ok := cfg.backends[r.Backend]
			if !ok {
				return nil, fmt.Errorf("config: bucket %q replica references unknown backend %q", bucket.Name, r.Backend)
			}
			if rb.Name == primary.Name {
				return nil, fmt.Errorf("config: bucket %q lists its own primary backend %q as a replica", bucket.Name, primary.Name)
			}
			bucket.replicaDefs = append(bucket.replicaDefs, rb)
		}

		stored := bucket
		cfg.buckets[bucket.Name] = &stored
		cfg.order = append(cfg.order, bucket.Name)
	}

	for _, sa := range doc.ServiceAccounts {
		cfg.ServiceAccounts[sa.Name] = sa.Buckets
	}

	return cfg, nil
}

func secondsOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func minutesOrDefault(minutes int, def time.Duration) time.Duration {
	if minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	return def
}

// Bucket looks up a registry entry by name. The bucket exists in the
// registry iff it was referenced by the config document loaded at boot
// — callers must treat a missing bucket as a client-facing
// NoSuchBucket error, never a programmer error.
func (c *Config) Bucket(name string) (*Bucket, bool) {
	b, ok := c.buckets[name]
	return b, ok
}

// Backend looks up a BackendDef by name.
func (c *Config) Backend(name string) (*BackendDef, bool) {
	b, ok := c.backends[name]
	return b, ok
}

// Buckets returns every configured bucket in declaration order —
// deterministic iteration matters for the mirror engine, which starts
// one worker per bucket at boot.
func (c *Config) Buckets() []*Bucket {
	out := make([]*Bucket, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.buckets[name])
	}
	return out
}

// IsTrusted reports whether ip falls within one of the configured
// trusted_ips CIDRs, which bypass signature verification on the
// task-store loopback path.
func (c *Config) IsTrusted(ip net.IP) bool {
	for _, n := range c.TrustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClockSkewSeconds is a convenience accessor for logging/telemetry
// payloads.
func (c *Config) ClockSkewSeconds() int64 { return int64(c.ClockSkew / time.Second) }
