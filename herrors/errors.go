// Package herrors implements Herald's four-level error taxonomy:
// ClientError (render as S3 XML, 4xx), UpstreamError (backend returned
// something unexpected, 5xx), MirrorError (never surfaced to the client —
// only retried/dead-lettered by the mirror engine), and FatalError
// (process cannot continue; logged at Fatal and the process exits).
package herrors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
)

// ClientError maps directly onto an S3 XML <Error> document returned to
// the calling client. Code/Message follow the S3 API's own error
// vocabulary so existing S3 SDKs parse it without special-casing Herald.
type ClientError struct {
	Code       string
	Message    string
	HTTPStatus int
	Resource   string
	RequestID  string
	// Source names where the failure originated: "Proxy" for errors
	// Herald itself produced, "S3 Server" for errors relayed from the
	// upstream backend. Empty renders as "Proxy".
	Source string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// XML renders the S3-compatible error document body.
func (e *ClientError) XML() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("<Error>")
	fmt.Fprintf(&b, "<Code>%s</Code>", escapeXML(e.Code))
	fmt.Fprintf(&b, "<Message>%s</Message>", escapeXML(e.Message))
	if e.Resource != "" {
		fmt.Fprintf(&b, "<Resource>%s</Resource>", escapeXML(e.Resource))
	}
	source := e.Source
	if source == "" {
		source = "Proxy"
	}
	fmt.Fprintf(&b, "<ErrorSource>%s</ErrorSource>", escapeXML(source))
	fmt.Fprintf(&b, "<RequestId>%s</RequestId>", escapeXML(e.RequestID))
	b.WriteString("</Error>")
	return b.String()
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}

// Well-known ClientError constructors, named after the S3 error codes
// clients already know how to handle.
func NoSuchBucket(bucket, requestID string) *ClientError {
	return &ClientError{Code: "NoSuchBucket", Message: "The specified bucket does not exist.", HTTPStatus: 404, Resource: bucket, RequestID: requestID}
}

func NoSuchKey(key, requestID string) *ClientError {
	return &ClientError{Code: "NoSuchKey", Message: "The specified key does not exist.", HTTPStatus: 404, Resource: key, RequestID: requestID}
}

func AccessDenied(resource, requestID string) *ClientError {
	return &ClientError{Code: "AccessDenied", Message: "Access Denied.", HTTPStatus: 403, Resource: resource, RequestID: requestID}
}

func SignatureDoesNotMatch(requestID string) *ClientError {
	return &ClientError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided.", HTTPStatus: 403, RequestID: requestID}
}

func ExpiredToken(requestID string) *ClientError {
	return &ClientError{Code: "ExpiredToken", Message: "The provided token has expired.", HTTPStatus: 400, RequestID: requestID}
}

func InvalidRequest(msg, requestID string) *ClientError {
	return &ClientError{Code: "InvalidRequest", Message: msg, HTTPStatus: 400, RequestID: requestID}
}

func InternalError(requestID string) *ClientError {
	return &ClientError{Code: "InternalError", Message: "We encountered an internal error. Please try again.", HTTPStatus: 500, RequestID: requestID}
}

// UpstreamError wraps a backend's unexpected response (bad status code,
// malformed body) so frontdoor can translate it into a ClientError without
// needing to know whether the upstream was S3 or Swift.
type UpstreamError struct {
	Backend    string
	Operation  string
	HTTPStatus int
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v (status %d)", e.Backend, e.Operation, e.Err, e.HTTPStatus)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MirrorError describes one failed mirror-task attempt. It never
// reaches a client; the mirror engine uses Retryable to decide whether to
// re-enqueue with backoff or dead-letter immediately (e.g. NoSuchBucket on
// the replica is not worth retrying).
type MirrorError struct {
	Bucket    string
	Replica   string
	Operation string
	Err       error
	Retryable bool
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("mirror %s->%s %s: %v", e.Bucket, e.Replica, e.Operation, e.Err)
}

func (e *MirrorError) Unwrap() error { return e.Err }

// FatalError describes a condition the process cannot recover from: a
// configured Swift backend with no matching Keystone token, an unknown
// storage protocol, task-store state that fails to deserialize.
type FatalError struct {
	Component string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal in %s: %v", e.Component, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsCancelation reports whether err is (or aggregates) a context
// cancelation, so backend/mirror code can skip retry/logging noise on
// shutdown.
func IsCancelation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if merr, ok := err.(*multierror.Error); ok {
		for _, sub := range merr.Errors {
			if IsCancelation(sub) {
				return true
			}
		}
	}
	return false
}

// CleanupLine converts a multiline error message (AWS SDK and Swift
// clients both produce these) into a single log line.
func CleanupLine(err error) string {
	if err == nil {
		return ""
	}
	s := strings.ReplaceAll(err.Error(), "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "  ", " ")
	return strings.TrimSpace(s)
}

// Aggregate collects multiple independent errors (bulk DeleteObjects,
// parallel UploadPartCopy fan-out) into one.
func Aggregate(errs ...error) error {
	var result *multierror.Error
	for _, e := range errs {
		if e != nil {
			result = multierror.Append(result, e)
		}
	}
	return result.ErrorOrNil()
}
