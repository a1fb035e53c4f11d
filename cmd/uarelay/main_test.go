package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shortontech/uarelay/internal/faillog"
	httpx "github.com/shortontech/uarelay/internal/http"
	"github.com/shortontech/uarelay/internal/metrics"
	"github.com/shortontech/uarelay/internal/signal"
	"github.com/shortontech/uarelay/internal/sink"
	"github.com/shortontech/uarelay/pkg/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		HookAddr:     "127.0.0.1:0",
		CollectorURL: "http://127.0.0.1:0",
		LogDir:       filepath.Join(dir, "logs"),
		EmergencyLog: filepath.Join(dir, "emergency.log"),
	}
}

func TestInitializeSinks(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())

	t.Run("log sink", func(t *testing.T) {
		t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "signals.ndjson"))
		cfg := testConfig(t)
		cfg.Outputs = []string{"log"}

		relay, stream, emitters := initializeSinks(ctx, cfg, nil, m)
		if relay != nil || stream != nil {
			t.Error("log-only outputs should not build relay or stream")
		}
		if len(emitters) != 1 || emitters[0].Name() != "log" {
			t.Fatalf("emitters = %v", names(emitters))
		}
		closeSinks(emitters, relay)
	})

	t.Run("relay sink", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Outputs = []string{"relay"}
		fallback := faillog.New(cfg.LogDir, cfg.EmergencyLog)

		relay, _, emitters := initializeSinks(ctx, cfg, fallback, m)
		if relay == nil {
			t.Fatal("relay output should build the relay sink")
		}
		if len(emitters) != 0 {
			t.Errorf("relay must not be an emitter: %v", names(emitters))
		}
		closeSinks(emitters, relay)
	})

	t.Run("unknown output type", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Outputs = []string{"unknown"}

		relay, stream, emitters := initializeSinks(ctx, cfg, nil, m)
		if relay != nil || stream != nil || len(emitters) != 0 {
			t.Errorf("unknown output built something: relay=%v stream=%v emitters=%v",
				relay, stream, names(emitters))
		}
	})

	t.Run("mixed with unknown", func(t *testing.T) {
		t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "signals.ndjson"))
		cfg := testConfig(t)
		cfg.Outputs = []string{"log", "unknown"}

		relay, _, emitters := initializeSinks(ctx, cfg, nil, m)
		if len(emitters) != 1 {
			t.Errorf("emitters = %v, want only log", names(emitters))
		}
		closeSinks(emitters, relay)
	})
}

func names(sinks []sink.Sink) []string {
	out := make([]string, len(sinks))
	for i, s := range sinks {
		out[i] = s.Name()
	}
	return out
}

func TestReadyFunc(t *testing.T) {
	if readyFunc(nil) != nil {
		t.Error("no stream output must mean always-ready (nil func)")
	}

	stream := sink.NewStreamSink("ws://127.0.0.1:0", "/scanner", "node")
	ready := readyFunc(stream)
	if ready == nil {
		t.Fatal("stream output must produce a readiness func")
	}
	if ready() {
		t.Error("unstarted stream reported ready")
	}
}

func TestBuildClassifier(t *testing.T) {
	cfg := testConfig(t)
	cfg.BypassHosts = []string{"localhost"}
	cfg.BypassSuffix = []string{"google.com"}

	c := buildClassifier(cfg)
	if !c.IsBypassed("localhost") || !c.IsBypassed("www.google.com") {
		t.Error("built-in rules not applied")
	}
	if c.IsBypassed("example.com") {
		t.Error("example.com should not be bypassed")
	}

	cfg.BypassFile = filepath.Join(t.TempDir(), "missing.yml")
	c = buildClassifier(cfg)
	if !c.IsBypassed("localhost") {
		t.Error("missing rule file must fall back to built-in rules")
	}
}

func TestBuildGeoResolver(t *testing.T) {
	cfg := testConfig(t)
	if buildGeoResolver(cfg) != nil {
		t.Error("empty GEOIP_DB must disable geolocation")
	}
	cfg.GeoIPDB = filepath.Join(t.TempDir(), "missing.mmdb")
	if buildGeoResolver(cfg) != nil {
		t.Error("unopenable database must disable geolocation, not fail")
	}
}

func TestStartHookServer(t *testing.T) {
	cfg := testConfig(t)
	env := httpx.Env{
		Cfg:     cfg,
		Hooks:   noopHooks{},
		Metrics: metrics.New(prometheus.NewRegistry()),
	}
	srv := startHookServer(cfg, env)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

type noopHooks struct{}

func (noopHooks) OnRequest(signal.Exchange)  {}
func (noopHooks) OnResponse(signal.Exchange) {}

func TestPerformHealthCheck(t *testing.T) {
	t.Run("healthy server", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		host, port := splitHostPort(strings.TrimPrefix(ts.URL, "http://"))
		if err := performHealthCheck(host, port); err != nil {
			t.Errorf("health check should succeed: %v", err)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		if err := performHealthCheck("127.0.0.1", "1"); err == nil {
			t.Error("expected error against a closed port")
		}
	})

	t.Run("non-200 status", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		host, port := splitHostPort(strings.TrimPrefix(ts.URL, "http://"))
		err := performHealthCheck(host, port)
		if err == nil || !strings.Contains(err.Error(), "status") {
			t.Errorf("error should mention status, got %v", err)
		}
	})

	t.Run("wrong body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("wrong"))
		}))
		defer ts.Close()

		host, port := splitHostPort(strings.TrimPrefix(ts.URL, "http://"))
		err := performHealthCheck(host, port)
		if err == nil || !strings.Contains(err.Error(), "unexpected") {
			t.Errorf("error should mention unexpected response, got %v", err)
		}
	})
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		addr string
		host string
		port string
	}{
		{"127.0.0.1:19899", "127.0.0.1", "19899"},
		{":19899", "", "19899"},
		{"19899", "", "19899"},
	}
	for _, tt := range tests {
		host, port := splitHostPort(tt.addr)
		if host != tt.host || port != tt.port {
			t.Errorf("splitHostPort(%q) = (%q, %q), want (%q, %q)",
				tt.addr, host, port, tt.host, tt.port)
		}
	}
}

func TestGenerateTestExchanges(t *testing.T) {
	exchanges := generateTestExchanges()
	if len(exchanges) != 4 {
		t.Fatalf("exchanges = %d, want 4", len(exchanges))
	}
	if exchanges[1].URL != exchanges[2].URL || exchanges[1].UserAgent != exchanges[2].UserAgent {
		t.Error("samples must include a duplicate pair for dedup verification")
	}
	if !strings.HasPrefix(exchanges[3].URL, "http://") {
		t.Error("samples must include a plain HTTP exchange")
	}
}
