package keystone

import (
	"testing"
	"time"

	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/herrors"
)

func swiftBackend(name string) config.BackendDef {
	return config.BackendDef{
		Name:     name,
		Protocol: config.ProtocolSwift,
		Region:   "RegionOne",
		Credentials: config.Credentials{
			AuthURL: "https://keystone.example.com/v3",
		},
	}
}

func TestGetAuthMetaFatalWhenMissing(t *testing.T) {
	s := &Store{metas: map[string]*AuthMeta{}, backends: map[string]*config.BackendDef{}}
	backend := swiftBackend("swift-primary")

	_, err := s.GetAuthMeta(&backend)
	if err == nil {
		t.Fatal("expected error for missing token")
	}
	if _, ok := err.(*herrors.FatalError); !ok {
		t.Fatalf("expected *herrors.FatalError, got %T", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	s := &Store{metas: map[string]*AuthMeta{}, backends: map[string]*config.BackendDef{}}
	backend := swiftBackend("swift-primary")
	key := backend.ConfigKey()

	s.metas[key] = &AuthMeta{
		StorageURL: "https://swift.example.com/v1/AUTH_1",
		Token:      "tok123",
		ExpiresAt:  time.Now().Add(time.Hour),
	}

	snaps := s.ToSerializable()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}

	restored := &Store{metas: map[string]*AuthMeta{}, backends: map[string]*config.BackendDef{}}
	restored.FromSerializable(snaps)

	meta, err := restored.GetAuthMeta(&backend)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Token != "tok123" {
		t.Errorf("expected token tok123, got %q", meta.Token)
	}
}

func TestSerializeSkipsExpiredTokens(t *testing.T) {
	s := &Store{metas: map[string]*AuthMeta{}, backends: map[string]*config.BackendDef{}}
	backend := swiftBackend("swift-primary")
	key := backend.ConfigKey()

	s.metas[key] = &AuthMeta{
		StorageURL: "https://swift.example.com/v1/AUTH_1",
		Token:      "expired",
		ExpiresAt:  time.Now().Add(-time.Hour),
	}

	snaps := s.ToSerializable()
	if len(snaps) != 0 {
		t.Fatalf("expected expired token to be excluded, got %d snapshots", len(snaps))
	}
}
