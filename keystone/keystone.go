// Package keystone implements Herald's Keystone token store: one cached
// auth token + storage URL per (auth_url, region) pair, refreshed on a
// timer and handed out to swiftbackend via a read-only snapshot. Auth
// itself goes through gophercloud/v2.
package keystone

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"

	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/herrors"
)

// AuthMeta is one authenticated Keystone session: the provider client
// (which carries the token) plus the resolved object-storage endpoint
// URL for the configured region.
type AuthMeta struct {
	Provider *gophercloud.ProviderClient
	// Object is the ready-to-use object-storage service client:
	// swiftbackend issues every containers/objects call through it
	// directly rather than re-deriving an endpoint from StorageURL.
	Object     *gophercloud.ServiceClient
	StorageURL string
	Token      string
	ExpiresAt  time.Time
}

// Store holds one AuthMeta per (auth_url, region) key (config.BackendDef.ConfigKey),
// refreshed by RefreshAll and by Run's periodic loop. It never blocks readers on a refresh in
// progress — GetAuthMeta always returns the last-known-good snapshot.
type Store struct {
	mu       sync.RWMutex
	metas    map[string]*AuthMeta
	backends map[string]*config.BackendDef

	refreshing sync.Map // key -> struct{}, guards against overlapping refreshes of the same key
}

// NewStore builds a Store covering every Swift BackendDef in cfg. It does
// not perform any network calls; call RefreshAll (or run Run in a
// goroutine) to populate it.
func NewStore(cfg *config.Config) *Store {
	s := &Store{
		metas:    map[string]*AuthMeta{},
		backends: map[string]*config.BackendDef{},
	}
	for _, bucket := range cfg.Buckets() {
		registerBackend(s, bucket.ResolvedBackend())
		for _, r := range bucket.ResolvedReplicas() {
			registerBackend(s, r)
		}
	}
	return s
}

func registerBackend(s *Store, b *config.BackendDef) {
	if b == nil || b.Protocol != config.ProtocolSwift {
		return
	}
	s.backends[b.ConfigKey()] = b
}

// GetAuthMeta returns the current cached AuthMeta for backend b. It
// returns a FatalError if b is a Swift backend that has never been
// successfully authenticated: a configured Swift backend with no
// matching Keystone token is a condition Herald cannot serve requests
// through, not a retryable per-request failure.
func (s *Store) GetAuthMeta(b *config.BackendDef) (*AuthMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metas[b.ConfigKey()]
	if !ok {
		return nil, &herrors.FatalError{
			Component: "keystone",
			Err:       fmt.Errorf("no Keystone token for backend %q (auth_url=%s region=%s)", b.Name, b.Credentials.AuthURL, b.Region),
		}
	}
	return meta, nil
}

// RefreshAll authenticates (or re-authenticates) every registered Swift
// backend. Errors are aggregated so one unreachable Keystone endpoint
// doesn't prevent refreshing the others.
func (s *Store) RefreshAll(ctx context.Context) error {
	var errs []error
	for key, backend := range s.backends {
		if err := s.refreshOne(ctx, key, backend); err != nil {
			errs = append(errs, fmt.Errorf("keystone: refresh %s: %w", key, err))
		}
	}
	return herrors.Aggregate(errs...)
}

func (s *Store) refreshOne(ctx context.Context, key string, backend *config.BackendDef) error {
	if _, loaded := s.refreshing.LoadOrStore(key, struct{}{}); loaded {
		return nil // a refresh for this key is already in flight
	}
	defer s.refreshing.Delete(key)

	authOpts := gophercloud.AuthOptions{
		IdentityEndpoint: backend.Credentials.AuthURL,
		Username:         backend.Credentials.Username,
		Password:         backend.Credentials.Password,
		TenantName:       backend.Credentials.Project,
		DomainName:       backend.Credentials.Domain,
	}

	provider, err := openstack.AuthenticatedClient(ctx, authOpts)
	if err != nil {
		return err
	}

	client, err := openstack.NewObjectStorageV1(provider, gophercloud.EndpointOpts{Region: backend.Region})
	if err != nil {
		return err
	}

	meta := &AuthMeta{
		Provider:   provider,
		Object:     client,
		StorageURL: client.Endpoint,
		Token:      provider.Token(),
		ExpiresAt:  time.Now().Add(55 * time.Minute),
	}

	s.mu.Lock()
	s.metas[key] = meta
	s.mu.Unlock()
	return nil
}

// Run refreshes every registered backend immediately, then again every
// interval until ctx is canceled. Callers run this in its own goroutine
// at boot; refresh failures are returned via onError rather than
// panicking the refresh loop, since a transient Keystone outage should
// not take down the whole process — only requests against the affected
// backend fail, via GetAuthMeta's FatalError.
func (s *Store) Run(ctx context.Context, interval time.Duration, onError func(error)) {
	if err := s.RefreshAll(ctx); err != nil && onError != nil {
		onError(err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshAll(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// Snapshot is a serializable view of the store's current tokens, used by
// taskstore to persist Keystone state across restarts so a reboot
// doesn't have to wait out a full Keystone handshake before serving Swift
// traffic.
type Snapshot struct {
	Key        string    `json:"key"`
	StorageURL string    `json:"storage_url"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ToSerializable exports every cached token whose expiry has not yet
// passed.
func (s *Store) ToSerializable() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]Snapshot, 0, len(s.metas))
	for key, meta := range s.metas {
		if meta.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, Snapshot{Key: key, StorageURL: meta.StorageURL, Token: meta.Token, ExpiresAt: meta.ExpiresAt})
	}
	return out
}

// FromSerializable rehydrates previously persisted tokens so restart
// doesn't force every Swift backend to wait out RefreshAll's first full
// Keystone handshake. The full auth flow cannot be serialized, so each
// rehydrated entry gets a pre-authenticated service client built
// straight from the stored token and storage URL; RefreshAll's next
// scheduled pass replaces it with a freshly authenticated one.
func (s *Store) FromSerializable(snaps []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, snap := range snaps {
		if snap.ExpiresAt.Before(now) {
			continue
		}
		provider := &gophercloud.ProviderClient{TokenID: snap.Token}
		endpoint := snap.StorageURL
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		s.metas[snap.Key] = &AuthMeta{
			Provider:   provider,
			Object:     &gophercloud.ServiceClient{ProviderClient: provider, Endpoint: endpoint, Type: "object-store"},
			StorageURL: snap.StorageURL,
			Token:      snap.Token,
			ExpiresAt:  snap.ExpiresAt,
		}
	}
}
