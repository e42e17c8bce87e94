// Package message defines the structured log records Herald emits. Every
// record implements Message so the logger can render it either as a
// human-readable line or as JSON, matching whichever mode the operator
// configured.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a structured log record.
type Message interface {
	fmt.Stringer
	JSON() string
}

// Request describes a completed client-facing request handled by the
// front-door handler.
type Request struct {
	RequestID string `json:"request_id"`
	Method    string `json:"method"`
	Bucket    string `json:"bucket,omitempty"`
	Key       string `json:"key,omitempty"`
	Status    int    `json:"status"`
	Backend   string `json:"backend,omitempty"`
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s %s/%s -> %d [%s]", r.RequestID, r.Method, r.Bucket, r.Key, r.Status, r.Backend)
}

func (r Request) JSON() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// MirrorAttempt describes one execution attempt of a mirror task.
type MirrorAttempt struct {
	Nonce      string `json:"nonce"`
	Bucket     string `json:"bucket"`
	Replica    string `json:"replica"`
	Command    string `json:"command"`
	RetryCount int    `json:"retry_count"`
	Status     int    `json:"status,omitempty"`
	Err        string `json:"error,omitempty"`
}

func (m MirrorAttempt) String() string {
	if m.Err != "" {
		return fmt.Sprintf("mirror %s %s->%s %s attempt=%d: %s", m.Command, m.Bucket, m.Replica, m.Nonce, m.RetryCount, cleanupSpaces(m.Err))
	}
	return fmt.Sprintf("mirror %s %s->%s %s attempt=%d status=%d", m.Command, m.Bucket, m.Replica, m.Nonce, m.RetryCount, m.Status)
}

func (m MirrorAttempt) JSON() string {
	m.Err = cleanupSpaces(m.Err)
	b, _ := json.Marshal(m)
	return string(b)
}

// Info is a generic informational line.
type Info struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s", i.Operation, i.Target)
}

func (i Info) JSON() string {
	b, _ := json.Marshal(i)
	return string(b)
}

// Error is a generic error line; Job names whatever operation failed
// (e.g. "keystone-refresh", "task-store-sync").
type Error struct {
	Job string `json:"job"`
	Err string `json:"error,omitempty"`
}

func (e Error) String() string {
	return fmt.Sprintf("%q: %v", e.Job, cleanupSpaces(e.Err))
}

func (e Error) JSON() string {
	e.Err = cleanupSpaces(e.Err)
	b, _ := json.Marshal(e)
	return string(b)
}

// Warning is a generic warning line.
type Warning struct {
	Job string `json:"job"`
	Err string `json:"error,omitempty"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%q (%v)", w.Job, cleanupSpaces(w.Err))
}

func (w Warning) JSON() string {
	w.Err = cleanupSpaces(w.Err)
	b, _ := json.Marshal(w)
	return string(b)
}

// Debug carries freeform debug content.
type Debug struct {
	Content string `json:"content"`
}

func (d Debug) String() string {
	return d.Content
}

func (d Debug) JSON() string {
	b, _ := json.Marshal(d)
	return string(b)
}

// cleanupSpaces converts multiline error messages generated by the AWS SDK
// or Swift client libraries into a single line, keeping one log line per
// event.
func cleanupSpaces(s string) string {
	s = strings.Replace(s, "\n", " ", -1)
	s = strings.Replace(s, "\t", " ", -1)
	s = strings.Replace(s, "  ", " ", -1)
	return strings.TrimSpace(s)
}
