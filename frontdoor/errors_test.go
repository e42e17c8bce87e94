package frontdoor

import (
	"errors"
	"net/http"
	"testing"

	"github.com/herald-project/herald/herrors"
)

func TestToClientErrorPassesClientErrorThrough(t *testing.T) {
	ce := herrors.NoSuchBucket("mybucket", "req-1")
	got := toClientError(ce, "req-1")
	if got != ce {
		t.Fatalf("expected the same *ClientError back, got %#v", got)
	}
}

// TestToClientErrorSurfacesUpstreamStatusVerbatim checks that the
// client-facing status must reflect what the backend actually returned,
// not a generic 500.
func TestToClientErrorSurfacesUpstreamStatusVerbatim(t *testing.T) {
	ue := &herrors.UpstreamError{
		Backend:    "swift-primary",
		Operation:  "GetObject",
		HTTPStatus: http.StatusNotFound,
		Err:        errors.New("object not found"),
	}

	got := toClientError(ue, "req-2")
	if got.HTTPStatus != http.StatusNotFound {
		t.Errorf("expected HTTPStatus 404, got %d", got.HTTPStatus)
	}
	if got.Code != "NoSuchKey" {
		t.Errorf("expected Code NoSuchKey, got %q", got.Code)
	}
	if got.Resource != "swift-primary" {
		t.Errorf("expected Resource to name the backend, got %q", got.Resource)
	}
	if got.RequestID != "req-2" {
		t.Errorf("expected request ID to be preserved, got %q", got.RequestID)
	}
}

func TestToClientErrorFallsBackToBadGatewayForUnrecognizedUpstreamStatus(t *testing.T) {
	ue := &herrors.UpstreamError{
		Backend:    "s3-primary",
		Operation:  "PutObject",
		HTTPStatus: 0,
		Err:        errors.New("connection reset"),
	}

	got := toClientError(ue, "req-3")
	if got.HTTPStatus != http.StatusBadGateway {
		t.Errorf("expected HTTPStatus 502, got %d", got.HTTPStatus)
	}
	if got.Code != "BadGateway" {
		t.Errorf("expected Code BadGateway, got %q", got.Code)
	}
}

func TestToClientErrorCollapsesFatalErrorToInternalError(t *testing.T) {
	fe := &herrors.FatalError{Component: "keystone", Err: errors.New("no token")}
	got := toClientError(fe, "req-4")
	if got.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("expected HTTPStatus 500, got %d", got.HTTPStatus)
	}
	if got.Code != "InternalError" {
		t.Errorf("expected Code InternalError, got %q", got.Code)
	}
}
