package frontdoor

import (
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/herald-project/herald/strutil"
)

// corsMatcher compiles each configured CORS.Host pattern once and reuses
// it across requests, avoiding a regexp compile per request on the hot
// path.
type corsMatcher struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

var matchers = newCorsMatcher()

// exposedHeaders is the default set of S3 response headers browsers may
// read from a cross-origin response.
const exposedHeaders = "ETag, Content-Length, Content-Type, x-amz-request-id, x-amz-id-2, x-amz-version-id, x-amz-delete-marker, x-amz-expiration, x-amz-server-side-encryption, x-amz-storage-class, x-amz-website-redirect-location"

func newCorsMatcher() *corsMatcher {
	return &corsMatcher{compiled: map[string]*regexp.Regexp{}}
}

func (m *corsMatcher) match(pattern, origin string) bool {
	m.mu.Lock()
	re, ok := m.compiled[pattern]
	if !ok {
		re = regexp.MustCompile(strutil.MatchFromStartToEnd(strutil.WildCardToRegexp(pattern)))
		m.compiled[pattern] = re
	}
	m.mu.Unlock()
	return re.MatchString(origin)
}

// allowedOrigin returns the configured pattern origin matches, or "" if
// none of cfg.CORS.Host allow it. "*" is matched literally first since
// it's by far the common case and needs no regexp.
func (h *Handler) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, pattern := range h.cfg.CORS.Host {
		if pattern == "*" {
			return "*"
		}
		if matchers.match(pattern, origin) {
			return origin
		}
	}
	return ""
}

// corsMiddleware applies Access-Control-Allow-* headers to every
// response whose Origin is on the allow-list, and short-circuits
// preflight OPTIONS requests with a 200 instead of forwarding them to
// the S3 dispatch pipeline.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := h.allowedOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, HEAD, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			} else {
				w.Header().Set("Access-Control-Allow-Headers", "*")
			}
			w.Header().Set("Access-Control-Expose-Headers", exposedHeaders)
			w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", h.cfg.CORS.MaxAgeSeconds))
			if allowed != "*" {
				w.Header().Set("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
