// Package frontdoor implements Herald's front-door HTTP handler: the
// single entry point every client request passes through on its way to a
// backend.Backend — parse request, authenticate, dispatch one S3 verb.
package frontdoor

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/herald-project/herald/atomicutil"
	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/herrors"
	"github.com/herald-project/herald/log"
	"github.com/herald-project/herald/message"
	"github.com/herald-project/herald/mirror"
	"github.com/herald-project/herald/reqmeta"
	"github.com/herald-project/herald/sigv4"
)

// Handler wires together every request-scoped collaborator: request
// parsing (reqmeta), authentication (sigv4/JWT), the bucket registry
// (config), storage dispatch (backend.Backend, resolved via Backends),
// and write replication (mirror.Engine).
type Handler struct {
	cfg      *config.Config
	backends Backends
	verifier *sigv4.Verifier
	jwtAuth  *serviceAccountAuth
	engine   *mirror.Engine
	logger   *log.Logger
	ready    atomicutil.Bool
}

// New builds a Handler. secrets resolves an access key ID to its secret,
// used by the sigv4 verifier when cfg.AuthType is "default". jwksURL may
// be empty when AuthType never reaches "service_account".
func New(cfg *config.Config, backends Backends, secrets sigv4.SecretLookup, jwksURL string, engine *mirror.Engine, logger *log.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		backends: backends,
		verifier: sigv4.New(secrets, cfg.ClockSkew),
		jwtAuth:  newServiceAccountAuth(cfg, jwksURL),
		engine:   engine,
		logger:   logger,
	}
}

// Router builds the gorilla/mux router serving Herald's public surface:
// health check, introspection, and the S3-compatible request dispatch
// catch-all.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.corsMiddleware)

	r.HandleFunc("/health-check", h.handleHealthCheck).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/herald/bucket-status", h.handleBucketStatus).Methods(http.MethodGet, http.MethodOptions)
	r.PathPrefix("/").HandlerFunc(h.handleRequest)

	return r
}

// SetReady flips the health-check's answer. run() calls it once boot
// rehydration and the mirror engine are up, so an orchestrator never
// routes traffic at a half-booted process.
func (h *Handler) SetReady(v bool) { h.ready.Set(v) }

func (h *Handler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Get() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ok"))
}

// handleRequest is the main S3-compatible dispatch pipeline: parse the
// request, authenticate it (unless it's a trusted loopback call or
// auth_type is "none"), resolve the target bucket and its primary
// backend, perform the operation, and — on a successful mutation —
// enqueue one mirror task per configured replica.
func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := h.logger.With(requestID)

	meta, err := reqmeta.Extract(r, h.cfg.VirtualHostAliases, h.cfg.DefaultBucket)
	if err != nil {
		h.writeError(w, logger, requestID, "", "", herrors.InvalidRequest(err.Error(), requestID))
		return
	}

	trusted := h.isTrustedRequest(r)
	if !trusted {
		if authErr := h.authenticate(r, meta, requestID); authErr != nil {
			h.writeError(w, logger, requestID, meta.Bucket, meta.Key, authErr)
			return
		}
	}

	bucket, ok := h.cfg.Bucket(meta.Bucket)
	if !ok {
		h.writeError(w, logger, requestID, meta.Bucket, meta.Key, herrors.NoSuchBucket(meta.Bucket, requestID))
		return
	}

	primaryDef := bucket.ResolvedBackend()
	primary, ok := h.backends(primaryDef.Name)
	if !ok {
		h.writeError(w, logger, requestID, meta.Bucket, meta.Key, herrors.InternalError(requestID))
		return
	}

	status, dispatchErr := h.dispatch(r, w, meta, bucket, primary, requestID)
	if dispatchErr != nil {
		h.writeError(w, logger, requestID, meta.Bucket, meta.Key, dispatchErr)
		return
	}

	logger.Info(message.Request{RequestID: requestID, Method: meta.Method, Bucket: meta.Bucket, Key: meta.Key, Status: status, Backend: primaryDef.Name})
}

// isTrustedRequest reports whether r arrives from a configured trusted
// CIDR, granting the self-signing loopback bypass taskstore's PUT/GET
// calls to the task-store bucket depend on.
func (h *Handler) isTrustedRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	return h.cfg.IsTrusted(ip)
}

// authenticate dispatches to the configured auth mode. AuthNone always
// passes; AuthDefault verifies a SigV4 signature; AuthServiceAccount
// verifies a bearer JWT and checks the subject is entitled to the
// requested bucket.
func (h *Handler) authenticate(r *http.Request, meta reqmeta.RequestMeta, requestID string) error {
	switch h.cfg.AuthType {
	case config.AuthNone:
		return nil
	case config.AuthServiceAccount:
		return h.jwtAuth.Verify(r, meta.Bucket, requestID)
	case config.AuthDefault, "":
		payloadHash := r.Header.Get("X-Amz-Content-Sha256")
		if payloadHash == "" {
			payloadHash = "UNSIGNED-PAYLOAD"
		}
		if err := h.verifier.Verify(r, payloadHash); err != nil {
			if strings.Contains(err.Error(), "expired") {
				return herrors.ExpiredToken(requestID)
			}
			return herrors.SignatureDoesNotMatch(requestID)
		}
		return nil
	default:
		return herrors.InternalError(requestID)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, logger *log.Logger, requestID, bucket, key string, err error) {
	ce := toClientError(err, requestID)
	logger.Warning(message.Request{RequestID: requestID, Method: "", Bucket: bucket, Key: key, Status: ce.HTTPStatus})
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(ce.HTTPStatus)
	w.Write([]byte(ce.XML()))
}

// toClientError maps any error frontdoor might see into a renderable
// ClientError — only ClientError's own shape is ever serialized to
// the wire. UpstreamError is surfaced to the caller verbatim — its real
// HTTPStatus and backend detail, not a canned 500 — while FatalError and
// anything unrecognized collapse to InternalError, since neither carries
// information safe or meaningful to hand back to a client.
func toClientError(err error, requestID string) *herrors.ClientError {
	switch e := err.(type) {
	case *herrors.ClientError:
		return e
	case *herrors.UpstreamError:
		return upstreamClientError(e, requestID)
	case *herrors.FatalError:
		return herrors.InternalError(requestID)
	default:
		return herrors.InternalError(requestID)
	}
}

// upstreamClientError renders an UpstreamError as the client would see
// it from the upstream directly. The HTTPStatus is trusted as-is when it's a
// valid 4xx/5xx; anything outside that range (a transport error with no
// real status, e.g.) falls back to 502 Bad Gateway, since the failure
// did originate upstream rather than at Herald itself.
func upstreamClientError(e *herrors.UpstreamError, requestID string) *herrors.ClientError {
	status := e.HTTPStatus
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}

	code := "InternalError"
	switch status {
	case http.StatusNotFound:
		code = "NoSuchKey"
	case http.StatusForbidden:
		code = "AccessDenied"
	case http.StatusBadRequest:
		code = "InvalidRequest"
	case http.StatusBadGateway:
		code = "BadGateway"
	}

	return &herrors.ClientError{
		Code:       code,
		Message:    herrors.CleanupLine(e),
		HTTPStatus: status,
		Resource:   e.Backend,
		RequestID:  requestID,
		Source:     "S3 Server",
	}
}
