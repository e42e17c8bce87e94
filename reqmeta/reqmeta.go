// Package reqmeta turns an inbound *http.Request into a bucket name,
// object key, and query parameters: parse once at the edge, hand a
// validated value to everything downstream.
package reqmeta

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// URLFormat distinguishes how the request named its bucket.
type URLFormat int

const (
	// Path addressing carries the bucket as the first path segment
	// ("/bucket/key"), or substitutes the configured default bucket.
	Path URLFormat = iota
	// VirtualHosted addressing carries the bucket as the leftmost
	// hostname label ("bucket.s3.example.com/key").
	VirtualHosted
)

// RequestMeta is the parsed, validated shape of one inbound S3-style
// request.
type RequestMeta struct {
	Bucket    string
	Key       string
	Method    string
	Query     map[string][]string
	Host      string
	URLFormat URLFormat
}

// HasKey reports whether the request addresses an object, as opposed to
// a bucket-level operation (ListObjects, bucket ACL, etc).
func (m RequestMeta) HasKey() bool { return m.Key != "" }

// ErrUnsupportedMethod is returned for HTTP methods S3 never defines.
type ErrUnsupportedMethod struct{ Method string }

func (e *ErrUnsupportedMethod) Error() string {
	return fmt.Sprintf("reqmeta: unsupported method %q", e.Method)
}

var supportedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPut:     true,
	http.MethodPost:    true,
	http.MethodHead:    true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Extract parses r into a RequestMeta. An IP-literal or localhost Host is always Path style; a Host of three
// or more labels whose leftmost label isn't the endpoint itself is
// VirtualHosted; everything else is Path style. virtualHostAliases is
// the configured set of hostname labels that count as "the S3 endpoint
// itself". defaultBucket is substituted when a Path-style
// request addresses the bare host with no bucket segment at all
// (single-tenant deployments).
func Extract(r *http.Request, virtualHostAliases []string, defaultBucket string) (RequestMeta, error) {
	if !supportedMethods[r.Method] {
		return RequestMeta{}, &ErrUnsupportedMethod{Method: r.Method}
	}

	host := r.Host
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}

	var bucket, key string
	format := Path
	if !isPathStyleHost(host) && isVirtualHosted(host, virtualHostAliases) {
		format = VirtualHosted
		labels := strings.Split(host, ".")
		bucket = labels[0]
		key = strings.TrimPrefix(r.URL.Path, "/")
	} else {
		bucket, key = splitPath(r.URL.Path)
		if bucket == "" {
			bucket = defaultBucket
		}
	}

	query := map[string][]string{}
	for k, v := range r.URL.Query() {
		query[k] = v
	}

	return RequestMeta{
		Bucket:    bucket,
		Key:       key,
		Method:    r.Method,
		Query:     query,
		Host:      host,
		URLFormat: format,
	}, nil
}

// splitPath parses path-style addressing: /bucket/key/with/slashes.
func splitPath(path string) (bucket, key string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		key = parts[1]
	}
	return bucket, key
}

// isPathStyleHost reports whether host can never carry a bucket label of
// its own: an IP literal or "localhost" always addresses the
// endpoint itself, never a virtual-hosted bucket.
func isPathStyleHost(host string) bool {
	if host == "localhost" {
		return true
	}
	return net.ParseIP(host) != nil
}

// isVirtualHosted reports whether host has the shape
// "<bucket>.<rest-of-endpoint>": at least three dot-separated
// labels, with the leftmost label naming the bucket rather than the
// endpoint itself. The leftmost label is disqualified from being a
// bucket name when it is "www" (a conventional endpoint alias) or when
// it contains one of the configured virtual-host aliases (e.g. "s3" in
// "s3.amazonaws.com", the bare endpoint with no bucket at all).
func isVirtualHosted(host string, aliases []string) bool {
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return false
	}

	leftmost := labels[0]
	if leftmost == "www" {
		return false
	}
	for _, a := range aliases {
		if a != "" && strings.Contains(leftmost, a) {
			return false
		}
	}
	return true
}
