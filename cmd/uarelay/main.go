package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shortontech/uarelay/internal/bypass"
	"github.com/shortontech/uarelay/internal/dedupe"
	"github.com/shortontech/uarelay/internal/faillog"
	"github.com/shortontech/uarelay/internal/geo"
	httpx "github.com/shortontech/uarelay/internal/http"
	"github.com/shortontech/uarelay/internal/metrics"
	"github.com/shortontech/uarelay/internal/pipeline"
	"github.com/shortontech/uarelay/internal/probe"
	"github.com/shortontech/uarelay/internal/sink"
	"github.com/shortontech/uarelay/pkg/config"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe the hook server's /healthz and exit")
	testMode := flag.Bool("test", false, "feed sample exchanges through the pipeline and exit")
	flag.Parse()

	cfg := config.Load()

	if *healthcheck {
		host, port := splitHostPort(cfg.HookAddr)
		if err := performHealthCheck(host, port); err != nil {
			log.Fatalf("healthcheck: %v", err)
		}
		fmt.Println("ok")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(nil)
	metricsServer := metrics.NewServer(metrics.LoadConfig())
	_ = metricsServer.Start(ctx)

	fallback := faillog.New(cfg.LogDir, cfg.EmergencyLog)
	classifier := buildClassifier(cfg)
	resolver := buildGeoResolver(cfg)

	relay, stream, emitters := initializeSinks(ctx, cfg, fallback, m)

	pl := pipeline.New(pipeline.Options{
		Bypass:      classifier,
		Deduper:     dedupe.New(cfg.DedupeCapacity),
		Prober:      probe.New(cfg.ProbeURL, cfg.ProbeTimeout),
		Fallback:    fallback,
		Geo:         resolver,
		Relay:       relay,
		Emitters:    emitters,
		Metrics:     m,
		MaxUALength: cfg.MaxUALength,
		WorkerLimit: cfg.WorkerLimit,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
	})

	if *testMode {
		runTestMode(pl)
		drainAndClose(pl, emitters, relay, resolver)
		return
	}

	env := httpx.Env{
		Cfg:     cfg,
		Hooks:   pl,
		Metrics: m,
		Ready:   readyFunc(stream),
	}
	srv := startHookServer(cfg, env)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("uarelay: shutting down")

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	pl.Shutdown(shutdownCtx)
	closeSinks(emitters, relay)
	if resolver != nil {
		_ = resolver.Close()
	}
}

func buildClassifier(cfg config.Config) *bypass.Classifier {
	if cfg.BypassFile != "" {
		c, err := bypass.NewFromFile(cfg.BypassFile, cfg.BypassHosts, cfg.BypassSuffix)
		if err != nil {
			log.Printf("bypass: unable to load %s: %v (using built-in rules)", cfg.BypassFile, err)
			return bypass.New(cfg.BypassHosts, cfg.BypassSuffix)
		}
		return c
	}
	return bypass.New(cfg.BypassHosts, cfg.BypassSuffix)
}

func buildGeoResolver(cfg config.Config) *geo.Resolver {
	if cfg.GeoIPDB == "" {
		return nil
	}
	r, err := geo.Open(cfg.GeoIPDB)
	if err != nil {
		log.Printf("geo: unable to open %s: %v (geolocation disabled)", cfg.GeoIPDB, err)
		return nil
	}
	return r
}

// initializeSinks builds and starts the configured outputs. The relay is
// returned separately because it runs per exchange rather than per
// unsuppressed signal; stream comes back typed so the caller can wire
// readiness to it.
func initializeSinks(ctx context.Context, cfg config.Config, fallback *faillog.Logger, m *metrics.Metrics) (sink.Sink, *sink.StreamSink, []sink.Sink) {
	var relay sink.Sink
	var stream *sink.StreamSink
	var emitters []sink.Sink

	for _, output := range cfg.Outputs {
		switch strings.ToLower(strings.TrimSpace(output)) {
		case "relay":
			relay = sink.NewRelaySink(cfg.CollectorURL, fallback)
		case "stream":
			stream = sink.NewStreamSink(cfg.StreamURL, cfg.StreamPath, cfg.NodeName)
			stream.OnStateChange(func(connected bool) {
				if connected {
					m.StreamConnected.Set(1)
				} else {
					m.StreamConnected.Set(0)
				}
			})
			emitters = append(emitters, stream)
		case "kafka":
			emitters = append(emitters, sink.NewKafkaSinkFromEnv())
		case "postgres":
			emitters = append(emitters, sink.NewPGSinkFromEnv())
		case "log":
			emitters = append(emitters, sink.NewLogSink())
		default:
			log.Printf("unknown output type: %s (skipping)", output)
		}
	}

	if relay != nil {
		if err := relay.Start(ctx); err != nil {
			log.Printf("relay sink failed to start: %v", err)
		}
	}
	started := emitters[:0]
	for _, s := range emitters {
		if err := s.Start(ctx); err != nil {
			log.Printf("%s sink failed to start: %v (skipping)", s.Name(), err)
			continue
		}
		log.Printf("%s sink started", s.Name())
		started = append(started, s)
	}
	return relay, stream, started
}

// readyFunc reports downstream readiness. Without a stream output the hook
// server is ready as soon as it listens.
func readyFunc(stream *sink.StreamSink) func() bool {
	if stream == nil {
		return nil
	}
	return func() bool { return stream.State() == sink.Connected }
}

func startHookServer(cfg config.Config, env httpx.Env) *http.Server {
	srv := &http.Server{
		Addr:              cfg.HookAddr,
		Handler:           httpx.NewMux(env),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("uarelay hook server listening on %s", cfg.HookAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("hook server error: %v", err)
		}
	}()
	return srv
}

func closeSinks(emitters []sink.Sink, relay sink.Sink) {
	for _, s := range emitters {
		if err := s.Close(); err != nil {
			log.Printf("%s sink close: %v", s.Name(), err)
		}
	}
	if relay != nil {
		_ = relay.Close()
	}
}

func drainAndClose(pl *pipeline.Pipeline, emitters []sink.Sink, relay sink.Sink, resolver *geo.Resolver) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pl.Shutdown(ctx)
	closeSinks(emitters, relay)
	if resolver != nil {
		_ = resolver.Close()
	}
}

// performHealthCheck is the Docker HEALTHCHECK entry: one GET against the
// hook server's /healthz.
func performHealthCheck(host, port string) error {
	if host == "" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", net.JoinHostPort(host, port)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		return fmt.Errorf("unexpected response body: %q", body)
	}
	return nil
}

func splitHostPort(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", addr
	}
	return host, port
}
