package faillog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPersistWritesRecordFile(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "logs"), filepath.Join(dir, "emergency.log"))

	l.Persist(map[string]string{"type": "http_fail", "ua": "curl/8.0"})

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d files, want 1", len(entries))
	}

	name := entries[0].Name()
	if !strings.HasPrefix(name, "relay_") || !strings.HasSuffix(name, ".json") {
		t.Errorf("unexpected record name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", name))
	if err != nil {
		t.Fatal(err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if rec.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", rec.PID, os.Getpid())
	}
	if rec.Timestamp == 0 {
		t.Error("timestamp not set")
	}
	payload, ok := rec.Data.(map[string]interface{})
	if !ok || payload["type"] != "http_fail" {
		t.Errorf("data = %v, want the original payload", rec.Data)
	}

	// No temp files left behind.
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %q", e.Name())
		}
	}
}

func TestPersistDistinctFilesPerCall(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "logs"), filepath.Join(dir, "emergency.log"))

	for i := 0; i < 5; i++ {
		l.Persist(map[string]int{"n": i})
	}
	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Errorf("got %d files, want 5", len(entries))
	}
}

func TestPersistUnwritableDirFallsBackToEmergency(t *testing.T) {
	dir := t.TempDir()
	emergency := filepath.Join(dir, "emergency.log")

	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("not a dir"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Primary directory path is a regular file, so MkdirAll fails.
	l := New(filepath.Join(blocked, "logs"), emergency)
	l.Persist(map[string]string{"type": "scanner_fail"})

	data, err := os.ReadFile(emergency)
	if err != nil {
		t.Fatalf("emergency log missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d emergency lines, want exactly 1", len(lines))
	}

	ts, jsonPart, found := strings.Cut(lines[0], "|")
	if !found || ts == "" {
		t.Fatalf("emergency line %q not in timestamp|json form", lines[0])
	}
	var rec Record
	if err := json.Unmarshal([]byte(jsonPart), &rec); err != nil {
		t.Fatalf("emergency json invalid: %v", err)
	}
}

func TestPersistNeverPanics(t *testing.T) {
	// Both tiers unwritable: nothing to assert beyond survival.
	l := New("/dev/null/logs", "/dev/null/emergency.log")
	l.Persist(map[string]string{"type": "hook_error"})
}
