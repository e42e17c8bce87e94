package reqmeta

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractPathStyle(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://storage.internal/mybucket/some/key.txt", nil)
	r.Host = "storage.internal"
	meta, err := Extract(r, []string{"s3"}, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Bucket != "mybucket" || meta.Key != "some/key.txt" {
		t.Errorf("got bucket=%q key=%q", meta.Bucket, meta.Key)
	}
	if meta.URLFormat != Path {
		t.Errorf("expected Path format, got %v", meta.URLFormat)
	}
}

// TestExtractVirtualHostStyle exercises a realistic AWS-shaped virtual
// hosted address (four labels) rather than a synthetic two-label host —
// a host needs at least three labels before it is even considered for
// virtual-hosted addressing.
func TestExtractVirtualHostStyle(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://mybucket.s3.amazonaws.com/some/key.txt", nil)
	r.Host = "mybucket.s3.amazonaws.com"
	meta, err := Extract(r, []string{"s3"}, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Bucket != "mybucket" || meta.Key != "some/key.txt" {
		t.Errorf("got bucket=%q key=%q", meta.Bucket, meta.Key)
	}
	if meta.URLFormat != VirtualHosted {
		t.Errorf("expected VirtualHosted format, got %v", meta.URLFormat)
	}
}

// TestExtractVirtualHostEndpointItselfFallsBackToPathStyle covers the
// bare endpoint host (no bucket label at all): the leftmost label is the
// configured alias itself, so it must never be mistaken for a bucket
// name even though the host has three labels.
func TestExtractVirtualHostEndpointItselfFallsBackToPathStyle(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://s3.amazonaws.com/mybucket/some/key.txt", nil)
	r.Host = "s3.amazonaws.com"
	meta, err := Extract(r, []string{"s3"}, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Bucket != "mybucket" || meta.Key != "some/key.txt" {
		t.Errorf("got bucket=%q key=%q", meta.Bucket, meta.Key)
	}
}

// TestExtractIPLiteralHostIsAlwaysPathStyle covers the IP-literal
// carve-out: a bare IP address can never be a virtual-hosted address,
// regardless of label count or alias configuration.
func TestExtractIPLiteralHostIsAlwaysPathStyle(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://203.0.113.10/mybucket/some/key.txt", nil)
	r.Host = "203.0.113.10"
	meta, err := Extract(r, []string{"s3"}, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Bucket != "mybucket" || meta.Key != "some/key.txt" {
		t.Errorf("got bucket=%q key=%q", meta.Bucket, meta.Key)
	}
}

// TestExtractLocalhostIsAlwaysPathStyle covers the localhost carve-out.
func TestExtractLocalhostIsAlwaysPathStyle(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://localhost/mybucket/some/key.txt", nil)
	r.Host = "localhost:9000"
	meta, err := Extract(r, []string{"s3"}, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Bucket != "mybucket" || meta.Key != "some/key.txt" {
		t.Errorf("got bucket=%q key=%q", meta.Bucket, meta.Key)
	}
}

func TestExtractBareHostFallsBackToDefaultBucket(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://s3/", nil)
	r.Host = "s3"
	meta, err := Extract(r, []string{"s3"}, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Bucket != "default" {
		t.Errorf("expected default bucket fallback, got %q", meta.Bucket)
	}
}

func TestExtractRejectsUnsupportedMethod(t *testing.T) {
	r := httptest.NewRequest(http.MethodPatch, "http://storage.example.com/bucket/key", nil)
	_, err := Extract(r, []string{"s3"}, "default")
	if err == nil {
		t.Fatal("expected error for PATCH method")
	}
}

func TestExtractQueryParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://storage.example.com/bucket?uploads&max-keys=10", nil)
	meta, err := Extract(r, []string{"s3"}, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := meta.Query["uploads"]; !ok {
		t.Error("expected uploads query param")
	}
	if meta.Query["max-keys"][0] != "10" {
		t.Errorf("expected max-keys=10, got %v", meta.Query["max-keys"])
	}
}
