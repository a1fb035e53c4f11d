package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shortontech/uarelay/internal/signal"
)

func TestLogSinkDefaultPath(t *testing.T) {
	old := os.Getenv("LOG_PATH")
	defer os.Setenv("LOG_PATH", old)
	os.Unsetenv("LOG_PATH")

	s := NewLogSink()
	if s.dst != "signals.ndjson" {
		t.Errorf("dst = %q, want signals.ndjson", s.dst)
	}
}

func TestLogSinkWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ndjson")
	old := os.Getenv("LOG_PATH")
	defer os.Setenv("LOG_PATH", old)
	os.Setenv("LOG_PATH", path)

	s := NewLogSink()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := s.Enqueue(sigFixture()); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if err := s.Enqueue(signal.Signal{UA: "wget/1.21", Host: "other.example.com"}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var sig signal.Signal
	if err := json.Unmarshal([]byte(lines[0]), &sig); err != nil {
		t.Fatalf("line 0 invalid json: %v", err)
	}
	if sig.UA != "curl/8.0" {
		t.Errorf("ua = %q, want curl/8.0", sig.UA)
	}
}

func TestLogSinkEnqueueBeforeStart(t *testing.T) {
	s := NewLogSink()
	if err := s.Enqueue(sigFixture()); err == nil {
		t.Fatal("Enqueue before Start should error")
	}
}
