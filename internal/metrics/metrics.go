package metrics

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for the relay.
type Metrics struct {
	// Counters
	Exchanges      *prometheus.CounterVec // by outcome: processed, bypassed, rate_limited, dropped
	ProbeResults   *prometheus.CounterVec // by behavior
	SignalsEmitted *prometheus.CounterVec // by sink
	SinkErrors     *prometheus.CounterVec // by sink and error type
	FallbackWrites prometheus.Counter
	HookRequests   *prometheus.CounterVec // by path and status

	// Gauges
	WorkersInFlight prometheus.Gauge
	StreamConnected prometheus.Gauge

	// Histograms
	ProbeDuration *prometheus.HistogramVec
}

// Config holds configuration for the metrics server.
type Config struct {
	Enabled bool
	Addr    string
}

// LoadConfig loads metrics configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Enabled: getBool("METRICS_ENABLED", false),
		Addr:    getOr("METRICS_ADDR", "127.0.0.1:9090"),
	}
}

// New creates and registers all relay metrics on reg (defaults to the
// global registry when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uarelay_exchanges_total",
				Help: "Observed exchanges by pipeline outcome",
			},
			[]string{"outcome"},
		),
		ProbeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uarelay_probe_results_total",
				Help: "Certificate probe results by behavior",
			},
			[]string{"behavior"},
		),
		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uarelay_signals_emitted_total",
				Help: "Signals accepted by a sink",
			},
			[]string{"sink"},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uarelay_sink_errors_total",
				Help: "Delivery errors by sink and error type",
			},
			[]string{"sink", "error_type"},
		),
		FallbackWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uarelay_fallback_writes_total",
				Help: "Records routed to the durable fallback logger",
			},
		),
		HookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uarelay_hook_requests_total",
				Help: "Hook server requests by path and status",
			},
			[]string{"path", "status"},
		),
		WorkersInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "uarelay_workers_in_flight",
				Help: "Pipeline workers currently running",
			},
		),
		StreamConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "uarelay_stream_connected",
				Help: "1 while the event-stream connection is up",
			},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uarelay_probe_duration_seconds",
				Help:    "Certificate probe latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 3.0},
			},
			[]string{"behavior"},
		),
	}

	reg.MustRegister(
		m.Exchanges,
		m.ProbeResults,
		m.SignalsEmitted,
		m.SinkErrors,
		m.FallbackWrites,
		m.HookRequests,
		m.WorkersInFlight,
		m.StreamConnected,
		m.ProbeDuration,
	)
	return m
}

// Middleware counts hook requests by path and response status.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.HookRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Server exposes /metrics and a health endpoint on its own listener.
type Server struct {
	server *http.Server
	config Config
}

func NewServer(config Config) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:         config.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		config: config,
	}
}

func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Printf("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}
	go func() {
		log.Printf("metrics: server listening on %s", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server error: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
