package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/shortontech/uarelay/internal/signal"
)

// LogSink appends signals as NDJSON to a local file. Mostly useful for
// development and as a poor man's archive when no broker is around.
type LogSink struct {
	dst string

	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

func NewLogSink() *LogSink {
	dst := os.Getenv("LOG_PATH")
	if dst == "" {
		dst = "signals.ndjson"
	}
	return &LogSink{dst: dst}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(ctx context.Context) error {
	f, err := os.OpenFile(s.dst, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log sink file: %w", err)
	}
	s.f = f
	s.buf = bufio.NewWriter(f)
	return nil
}

func (s *LogSink) Enqueue(sig signal.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return fmt.Errorf("log sink not started")
	}
	line, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("serialize signal: %w", err)
	}
	if _, err := s.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return s.buf.Flush()
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		_ = s.buf.Flush()
	}
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}
