// Package faillog is the last line of delivery: any signal that cannot
// reach the collector is persisted here. Persist never returns an error to
// its caller; when even the primary directory is unwritable it degrades to
// a single-line emergency append so the process can always record
// something.
package faillog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Record is the envelope written for every persisted payload.
type Record struct {
	Timestamp float64     `json:"timestamp"`
	PID       int         `json:"pid"`
	Host      string      `json:"host"`
	Data      interface{} `json:"data"`
}

// Logger writes crash-safe fallback records. Safe for concurrent use; each
// record goes to its own file so writers never contend.
type Logger struct {
	dir       string
	emergency string
	prefix    string
	host      string

	now func() time.Time // test hook
}

func New(dir, emergencyPath string) *Logger {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Logger{
		dir:       dir,
		emergency: emergencyPath,
		prefix:    "relay",
		host:      host,
		now:       time.Now,
	}
}

// Persist writes payload as {timestamp, pid, host, data} to
// <dir>/<prefix>_<unixtime>_<random>.json via a temp file, fsync and atomic
// rename. Failures degrade to Emergency and are never surfaced.
func (l *Logger) Persist(payload interface{}) {
	rec := Record{
		Timestamp: float64(l.now().UnixNano()) / float64(time.Second),
		PID:       os.Getpid(),
		Host:      l.host,
		Data:      payload,
	}
	if err := l.write(rec); err != nil {
		log.Printf("faillog: primary write failed: %v", err)
		l.Emergency(rec)
	}
}

func (l *Logger) write(rec Record) error {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	final := filepath.Join(l.dir, fmt.Sprintf("%s_%d_%s.json",
		l.prefix, l.now().Unix(), uuid.New().String()[:6]))

	tmp, err := os.CreateTemp(l.dir, l.prefix+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	success = true

	if _, err := os.Stat(final); err != nil {
		return fmt.Errorf("verify record: %w", err)
	}
	return nil
}

// Emergency appends one "timestamp|json" line to the fixed emergency path.
// If that also fails the only trace is a line on stderr; there is no
// further recovery tier.
func (l *Logger) Emergency(rec Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "EMERG-LOG-FAIL marshal: %v\n", err)
		return
	}
	f, err := os.OpenFile(l.emergency, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "EMERG-LOG-FAIL open: %v\n", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d|%s\n", l.now().Unix(), line); err != nil {
		fmt.Fprintf(os.Stderr, "EMERG-LOG-FAIL write: %v\n", err)
	}
}
