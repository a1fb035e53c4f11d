// Package httpx is the hook surface the proxy host posts intercepted
// exchanges to. One endpoint per hook, decoded and handed to the pipeline;
// the handlers answer before any network-bound work runs.
package httpx

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/shortontech/uarelay/internal/metrics"
	"github.com/shortontech/uarelay/internal/signal"
	cfg "github.com/shortontech/uarelay/pkg/config"
)

// Hooks is the pipeline-facing half of the hook surface.
type Hooks interface {
	OnRequest(signal.Exchange)
	OnResponse(signal.Exchange)
}

type Env struct {
	Cfg     cfg.Config
	Hooks   Hooks
	Metrics *metrics.Metrics

	// Ready reports whether downstream delivery is usable; nil means
	// always ready.
	Ready func() bool
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Ready != nil && !e.Ready() {
		http.Error(w, "stream disconnected", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// HookRequest accepts POST /hook/request with a JSON exchange body.
func (e Env) HookRequest(w http.ResponseWriter, r *http.Request) {
	ex, ok := e.decodeExchange(w, r)
	if !ok {
		return
	}
	e.Hooks.OnRequest(ex)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// HookResponse accepts POST /hook/response for the response half of an
// exchange; only suspicious responses produce any record.
func (e Env) HookResponse(w http.ResponseWriter, r *http.Request) {
	ex, ok := e.decodeExchange(w, r)
	if !ok {
		return
	}
	e.Hooks.OnResponse(ex)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (e Env) decodeExchange(w http.ResponseWriter, r *http.Request) (signal.Exchange, bool) {
	var ex signal.Exchange
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return ex, false
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return ex, false
	}

	defer r.Body.Close()
	max := e.Cfg.MaxBodyBytes
	if max <= 0 {
		max = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, max))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return ex, false
	}
	if err := json.Unmarshal(body, &ex); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return ex, false
	}
	if ex.Host == "" && ex.URL == "" {
		http.Error(w, "exchange needs host or url", http.StatusBadRequest)
		return ex, false
	}
	// The proxy host usually supplies the true client address; when it
	// doesn't, fall back to the connection peer.
	if ex.ClientIP == "" {
		ex.ClientIP = clientIPFromRequest(r, e.Cfg.TrustProxy)
	}
	return ex, true
}

func clientIPFromRequest(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return strings.TrimSpace(xrip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc("/hook/request", e.HookRequest)
	mux.HandleFunc("/hook/response", e.HookResponse)

	handler := http.Handler(mux)
	if e.Metrics != nil {
		handler = metrics.Middleware(e.Metrics)(handler)
	}
	return RequestLogger(handler)
}
