package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/shortontech/uarelay/internal/signal"
)

// PGConfig holds configuration for the Postgres archive sink.
type PGConfig struct {
	DSN           string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	UseCopy       bool
}

// PGSink batches signals and writes them to a Postgres table as JSONB,
// either with multi-row INSERTs or COPY. It is an archive, not a delivery
// path: a flush failure keeps the batch for the next attempt and is
// reported through Enqueue/Close errors only.
type PGSink struct {
	config PGConfig
	db     *sql.DB

	mu    sync.Mutex
	batch []signal.Signal

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPGSinkFromEnv creates a PGSink from environment variables.
func NewPGSinkFromEnv() *PGSink {
	return &PGSink{
		config: PGConfig{
			DSN:           os.Getenv("PG_DSN"),
			Table:         getEnvOr("PG_TABLE", "ua_signals"),
			BatchSize:     getIntEnv("PG_BATCH_SIZE", 100),
			FlushInterval: time.Duration(getIntEnv("PG_FLUSH_MS", 2000)) * time.Millisecond,
			UseCopy:       getBoolEnv("PG_USE_COPY", false),
		},
		done: make(chan struct{}),
	}
}

// NewPGSink creates a PGSink with explicit configuration.
func NewPGSink(cfg PGConfig) *PGSink {
	if cfg.Table == "" {
		cfg.Table = "ua_signals"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &PGSink{config: cfg, done: make(chan struct{})}
}

func (s *PGSink) Name() string { return "postgres" }

// validateTableName admits only plain identifiers, keeping the table name
// safe to splice into DDL and COPY statements.
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(name) > 63 {
		return fmt.Errorf("table name exceeds 63 characters")
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("table name %q starts with a digit", name)
			}
		default:
			return fmt.Errorf("table name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

func (s *PGSink) Start(ctx context.Context) error {
	if s.config.DSN == "" {
		return fmt.Errorf("pg sink requires PG_DSN")
	}
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}

	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	s.db = db

	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return err
	}

	s.wg.Add(1)
	go s.flushRoutine(ctx)
	return nil
}

func (s *PGSink) ensureSchema() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			fingerprint TEXT,
			cert_behavior TEXT,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.config.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_fingerprint_idx ON %s (fingerprint)`,
			s.config.Table, s.config.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_cert_behavior_idx ON %s (cert_behavior)`,
			s.config.Table, s.config.Table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PGSink) Enqueue(sig signal.Signal) error {
	s.mu.Lock()
	s.batch = append(s.batch, sig)
	full := len(s.batch) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		return s.flushBatch()
	}
	return nil
}

// flushBatch writes the pending batch. On failure the batch is restored so
// nothing is dropped between retries.
func (s *PGSink) flushBatch() error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.batch
	s.batch = nil
	s.mu.Unlock()

	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy(pending)
	} else {
		err = s.flushWithInsert(pending)
	}
	if err != nil {
		s.mu.Lock()
		s.batch = append(pending, s.batch...)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *PGSink) flushWithInsert(pending []signal.Signal) error {
	query := fmt.Sprintf("INSERT INTO %s (fingerprint, cert_behavior, payload) VALUES ", s.config.Table)
	args := make([]interface{}, 0, len(pending)*3)
	for i, sig := range pending {
		payload, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("serialize signal: %w", err)
		}
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, sig.Fingerprint, sig.CertBehavior, payload)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PGSink) flushWithCopy(pending []signal.Signal) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin copy transaction: %w", err)
	}

	stmt, err := tx.Prepare(pq.CopyIn(s.config.Table, "fingerprint", "cert_behavior", "payload"))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, sig := range pending {
		payload, err := json.Marshal(sig)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("serialize signal: %w", err)
		}
		if _, err := stmt.Exec(sig.Fingerprint, sig.CertBehavior, string(payload)); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("copy row: %w", err)
		}
	}
	if _, err := stmt.Exec(); err != nil {
		_ = stmt.Close()
		_ = tx.Rollback()
		return fmt.Errorf("finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit copy: %w", err)
	}
	return nil
}

func (s *PGSink) flushRoutine(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.flushBatch(); err != nil {
				log.Printf("pg: flush failed, batch retained: %v", err)
			}
		}
	}
}

func (s *PGSink) Close() error {
	close(s.done)
	s.wg.Wait()

	if s.db == nil {
		return nil
	}
	flushErr := s.flushBatch()
	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
