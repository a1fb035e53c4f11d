package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shortontech/uarelay/internal/faillog"
	"github.com/shortontech/uarelay/internal/signal"
)

// relayTimeout bounds the single delivery attempt. There is no internal
// retry; signals are best-effort telemetry.
const relayTimeout = 2 * time.Second

// RelaySink POSTs each signal to the collector's /log endpoint. A non-2xx
// status or transport error routes the payload to the fallback logger and
// is never surfaced past Enqueue's error value.
type RelaySink struct {
	url      string
	client   *http.Client
	fallback *faillog.Logger
}

// relayPayload is the collector's wire shape for /log.
type relayPayload struct {
	UA                string `json:"ua"`
	URL               string `json:"url"`
	CertBehavior      string `json:"certBehavior,omitempty"`
	CertRiskBonus     int    `json:"certRiskBonus,omitempty"`
	AnalysisTimestamp int64  `json:"analysisTimestamp,omitempty"`
}

func NewRelaySink(collectorURL string, fallback *faillog.Logger) *RelaySink {
	return &RelaySink{
		url:      strings.TrimRight(collectorURL, "/") + "/log",
		client:   &http.Client{Timeout: relayTimeout},
		fallback: fallback,
	}
}

func (s *RelaySink) Start(ctx context.Context) error { return nil }

func (s *RelaySink) Name() string { return "relay" }

func (s *RelaySink) Enqueue(sig signal.Signal) error {
	payload := relayPayload{
		UA:                sig.UA,
		URL:               sig.URL,
		CertBehavior:      sig.CertBehavior,
		CertRiskBonus:     sig.CertRiskBonus,
		AnalysisTimestamp: sig.TS,
	}
	if err := s.post(payload); err != nil {
		log.Printf("relay: POST /log failed: %v", err)
		s.fallback.Persist(map[string]interface{}{
			"type": "http_fail",
			"ua":   truncate(sig.UA, 80),
			"url":  sig.URL,
			"err":  err.Error(),
		})
		return err
	}
	return nil
}

func (s *RelaySink) post(payload relayPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (s *RelaySink) Close() error { return nil }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
