// Package pipeline orchestrates signal processing for observed exchanges.
// It is the only entry point the proxy-host hooks call into, and no error
// ever propagates back through it: every failure degrades to the fallback
// logger or to a log line.
package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shortontech/uarelay/internal/bypass"
	"github.com/shortontech/uarelay/internal/dedupe"
	"github.com/shortontech/uarelay/internal/detect"
	"github.com/shortontech/uarelay/internal/faillog"
	"github.com/shortontech/uarelay/internal/geo"
	"github.com/shortontech/uarelay/internal/metrics"
	"github.com/shortontech/uarelay/internal/probe"
	"github.com/shortontech/uarelay/internal/signal"
	"github.com/shortontech/uarelay/internal/sink"
)

// Prober classifies certificate behavior for an exchange; satisfied by
// *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, userAgent, url string) (probe.Behavior, int)
}

// Options wires the pipeline's collaborators.
type Options struct {
	Bypass   *bypass.Classifier
	Deduper  *dedupe.Deduper
	Prober   Prober
	Fallback *faillog.Logger
	Geo      *geo.Resolver // optional

	// Relay is the per-exchange HTTP delivery; Emitters receive only
	// unsuppressed signals (stream plus any archival mirrors).
	Relay    sink.Sink
	Emitters []sink.Sink

	Metrics *metrics.Metrics

	MaxUALength int
	WorkerLimit int
	RateLimit   float64
	RateBurst   int
}

// Pipeline fans each admitted exchange out to a bounded worker. The hook
// methods never block on network I/O; saturation drops the exchange and
// counts it rather than queueing without bound.
type Pipeline struct {
	opts    Options
	limiter *rate.Limiter
	workers *semaphore.Weighted

	closed atomic.Bool
	wg     sync.WaitGroup
}

func New(opts Options) *Pipeline {
	if opts.WorkerLimit <= 0 {
		opts.WorkerLimit = 64
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Pipeline{
		opts:    opts,
		limiter: limiter,
		workers: semaphore.NewWeighted(int64(opts.WorkerLimit)),
	}
}

// OnRequest is invoked by the proxy host for every intercepted request.
// It returns near-immediately; all network-bound work runs in a worker.
func (p *Pipeline) OnRequest(ex signal.Exchange) {
	defer p.guard("request")

	if p.closed.Load() {
		return
	}
	if p.opts.Bypass != nil && p.opts.Bypass.IsBypassed(ex.Host) {
		p.opts.Metrics.Exchanges.WithLabelValues("bypassed").Inc()
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.opts.Metrics.Exchanges.WithLabelValues("rate_limited").Inc()
		return
	}
	if !p.workers.TryAcquire(1) {
		p.opts.Metrics.Exchanges.WithLabelValues("dropped").Inc()
		return
	}

	ex = ex.Normalize(p.opts.MaxUALength)
	p.wg.Add(1)
	p.opts.Metrics.WorkersInFlight.Inc()

	go func() {
		defer func() {
			p.workers.Release(1)
			p.opts.Metrics.WorkersInFlight.Dec()
			p.wg.Done()
		}()
		defer p.guard("worker")
		p.process(ex)
	}()
}

// process runs on a worker: probe, relay, dedup-gate, emit.
func (p *Pipeline) process(ex signal.Exchange) {
	start := time.Now()
	behavior, risk := p.probeExchange(ex)
	p.opts.Metrics.ProbeResults.WithLabelValues(string(behavior)).Inc()
	p.opts.Metrics.ProbeDuration.WithLabelValues(string(behavior)).Observe(time.Since(start).Seconds())

	sig := signal.New(ex, string(behavior), risk)
	sig.Fingerprint = dedupe.Fingerprint(ex.UserAgent, ex.URL, ex.ClientIP)
	sig.UAAutomation = detect.AnalyzeUA(ex.UserAgent)
	if p.opts.Geo != nil {
		sig.Geo = p.opts.Geo.Lookup(ex.ClientIP)
	}

	if p.opts.Relay != nil {
		if err := p.opts.Relay.Enqueue(sig); err != nil {
			// The relay sink has already written the fallback record.
			p.opts.Metrics.SinkErrors.WithLabelValues(p.opts.Relay.Name(), "delivery").Inc()
			p.opts.Metrics.FallbackWrites.Inc()
		} else {
			p.opts.Metrics.SignalsEmitted.WithLabelValues(p.opts.Relay.Name()).Inc()
		}
	}

	if p.opts.Deduper != nil && p.opts.Deduper.SeenAndMark(sig.Fingerprint) {
		p.opts.Metrics.Exchanges.WithLabelValues("suppressed").Inc()
		return
	}

	for _, em := range p.opts.Emitters {
		if err := em.Enqueue(sig); err != nil {
			log.Printf("pipeline: %s emit failed: %v", em.Name(), err)
			p.opts.Metrics.SinkErrors.WithLabelValues(em.Name(), "emit").Inc()
			continue
		}
		p.opts.Metrics.SignalsEmitted.WithLabelValues(em.Name()).Inc()
	}
	p.opts.Metrics.Exchanges.WithLabelValues("processed").Inc()
}

func (p *Pipeline) probeExchange(ex signal.Exchange) (probe.Behavior, int) {
	if p.opts.Prober == nil {
		return probe.NonHTTPS, 0
	}
	return p.opts.Prober.Probe(context.Background(), ex.UserAgent, ex.URL)
}

// OnResponse inspects the response half of an exchange for automation
// indicators. Hits are diagnostic records, not live signals: they go to
// the fallback logger directly, with no relay and no dedup.
func (p *Pipeline) OnResponse(ex signal.Exchange) {
	defer p.guard("response")

	if p.closed.Load() {
		return
	}
	if p.opts.Bypass != nil && p.opts.Bypass.IsBypassed(ex.Host) {
		return
	}
	indicators := detect.ResponseIndicators(ex.StatusCode, ex.ResponseHeaders)
	if len(indicators) == 0 {
		return
	}
	ex = ex.Normalize(p.opts.MaxUALength)
	p.opts.Fallback.Persist(map[string]interface{}{
		"type":       "suspicious_response",
		"host":       ex.Host,
		"url":        ex.URL,
		"status":     ex.StatusCode,
		"ua":         ex.UserAgent,
		"indicators": indicators,
	})
	p.opts.Metrics.FallbackWrites.Inc()
}

// Shutdown stops intake and waits for in-flight workers up to the context
// deadline, then returns regardless; there is no guaranteed drain.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("pipeline: shutdown window elapsed with workers still in flight")
	}
}

// guard keeps hook panics away from the proxy host; the trace becomes a
// fallback record instead.
func (p *Pipeline) guard(hook string) {
	if r := recover(); r != nil {
		log.Printf("pipeline: %s hook panic: %v", hook, r)
		if p.opts.Fallback != nil {
			p.opts.Fallback.Persist(map[string]interface{}{
				"type": "hook_error",
				"hook": hook,
				"err":  toString(r),
			})
		}
	}
}

func toString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "panic"
}
