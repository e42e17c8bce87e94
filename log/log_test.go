package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/herald-project/herald/message"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf, level: LevelWarning, ch: make(chan string, 10), donech: make(chan struct{})}
	go l.pump()

	l.Info(message.Info{Operation: "op", Target: "x"})
	l.Warning(message.Warning{Job: "job", Err: "bad"})
	l.Close()

	out := buf.String()
	if strings.Contains(out, "op x") {
		t.Errorf("info line should have been gated out below warning level: %q", out)
	}
	if !strings.Contains(out, "WARNING") {
		t.Errorf("expected warning line, got %q", out)
	}
}

func TestWithTagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf, level: LevelDebug, ch: make(chan string, 10), donech: make(chan struct{})}
	go l.pump()

	tagged := l.With("req-123")
	tagged.Debug(message.Debug{Content: "hello"})
	l.Close()

	if !strings.Contains(buf.String(), "req-123") {
		t.Errorf("expected request id in output: %q", buf.String())
	}
}

func TestJSONMode(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf, level: LevelDebug, json: true, ch: make(chan string, 10), donech: make(chan struct{})}
	go l.pump()

	l.Info(message.Info{Operation: "sync", Target: "bucket-a"})
	l.Close()

	if !strings.Contains(buf.String(), `"operation":"sync"`) {
		t.Errorf("expected JSON body, got %q", buf.String())
	}
}
