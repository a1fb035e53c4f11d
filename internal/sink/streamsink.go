package sink

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shortontech/uarelay/internal/signal"
)

// ConnState is the stream connection state. Owned exclusively by the sink;
// nothing outside mutates it.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	// connectAttempts bounds one connect sequence.
	connectAttempts = 3
	// supervisorMaxShift caps the supervisor's sleep growth at
	// retryInterval << supervisorMaxShift.
	supervisorMaxShift = 5
	// healthyResetAfter is how long the connection must stay up before the
	// supervisor forgets past failures.
	healthyResetAfter = 2 * time.Minute
)

// wsConn is the slice of *websocket.Conn the sink needs; tests substitute
// their own.
type wsConn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type wsDialer func(url string, header http.Header) (wsConn, error)

// streamEnvelope is one named event on the wire.
type streamEnvelope struct {
	Event string        `json:"event"`
	Data  signal.Signal `json:"data"`
}

// EventName is the named event carrying signal payloads.
const EventName = "ua_data"

// StreamSink keeps a persistent websocket connection to the collector's
// namespaced channel and emits one signal per message, serialized under a
// single lock. A background supervisor is the only reconnection authority:
// the dialer performs one bounded connect sequence per request and the
// transport never reconnects on its own.
type StreamSink struct {
	url    string
	origin string
	node   string

	dial    wsDialer
	backoff func(attempt int) time.Duration

	healthInterval time.Duration // supervisor sleep while connected
	retryInterval  time.Duration // supervisor base sleep while disconnected

	mu   sync.Mutex // serializes emissions and guards conn
	conn wsConn

	state   atomic.Int32
	onState func(connected bool) // optional metrics hook

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStreamSink builds the sink for <streamURL><path>. The Origin header is
// derived from the stream URL; node rides on X-Relay-Node.
func NewStreamSink(streamURL, path, node string) *StreamSink {
	base := strings.TrimRight(streamURL, "/")
	return &StreamSink{
		url:            wsScheme(base) + path,
		origin:         httpScheme(base),
		node:           node,
		dial:           gorillaDial,
		backoff:        func(attempt int) time.Duration { return (1 << attempt) * time.Second },
		healthInterval: 30 * time.Second,
		retryInterval:  5 * time.Second,
		done:           make(chan struct{}),
	}
}

// OnStateChange registers a hook invoked on every state transition into or
// out of Connected. Must be set before Start.
func (s *StreamSink) OnStateChange(fn func(connected bool)) { s.onState = fn }

func (s *StreamSink) Name() string { return "stream" }

// State returns the current connection state.
func (s *StreamSink) State() ConnState { return ConnState(s.state.Load()) }

func (s *StreamSink) setState(st ConnState) {
	prev := ConnState(s.state.Swap(int32(st)))
	if s.onState != nil && (prev == Connected) != (st == Connected) {
		s.onState(st == Connected)
	}
}

// Start makes one bounded connect sequence and launches the supervisor.
// A failed initial connect is not an error; the supervisor keeps trying.
func (s *StreamSink) Start(ctx context.Context) error {
	s.connect()
	s.wg.Add(1)
	go s.supervise(ctx)
	return nil
}

// connect attempts up to connectAttempts dials with exponential backoff
// between tries. Returns whether the sink ended up Connected.
func (s *StreamSink) connect() bool {
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if s.State() == Connected {
			return true
		}
		s.setState(Connecting)
		log.Printf("stream: connect attempt %d/%d to %s", attempt+1, connectAttempts, s.url)

		conn, err := s.dial(s.url, s.header())
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.setState(Connected)
			log.Printf("stream: connected")
			return true
		}
		s.setState(Disconnected)
		log.Printf("stream: connect failed: %v", err)

		if attempt < connectAttempts-1 && !s.sleep(s.backoff(attempt)) {
			return false
		}
	}
	return false
}

func (s *StreamSink) header() http.Header {
	h := http.Header{}
	h.Set("Origin", s.origin)
	h.Set("X-Relay-Node", s.node)
	return h
}

// Enqueue emits the signal as a named event. While Disconnected it is a
// silent no-op; a transport failure flips the state to Disconnected and is
// logged only. Callers must not treat a nil return as delivery-confirmed.
func (s *StreamSink) Enqueue(sig signal.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.State() != Connected {
		return nil
	}
	if err := s.conn.WriteJSON(streamEnvelope{Event: EventName, Data: sig}); err != nil {
		log.Printf("stream: emit failed: %v", err)
		_ = s.conn.Close()
		s.conn = nil
		s.setState(Disconnected)
	}
	return nil
}

// supervise periodically checks connection health and reconnects while
// disconnected, growing its sleep up to a cap and resetting the growth
// after a sustained healthy period.
func (s *StreamSink) supervise(ctx context.Context) {
	defer s.wg.Done()

	failures := 0
	var healthySince time.Time

	for {
		interval := s.healthInterval
		if s.State() != Connected {
			shift := failures
			if shift > supervisorMaxShift {
				shift = supervisorMaxShift
			}
			interval = s.retryInterval << shift
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(interval):
		}

		if s.State() == Connected {
			if !s.ping() {
				healthySince = time.Time{}
				continue
			}
			if healthySince.IsZero() {
				healthySince = time.Now()
			} else if failures > 0 && time.Since(healthySince) >= healthyResetAfter {
				failures = 0
			}
			continue
		}

		healthySince = time.Time{}
		failures++
		if s.connect() {
			healthySince = time.Now()
		}
	}
}

// ping verifies liveness with a control frame; on failure the connection is
// torn down so the next cycle reconnects.
func (s *StreamSink) ping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false
	}
	err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	if err != nil {
		log.Printf("stream: health check failed: %v", err)
		_ = s.conn.Close()
		s.conn = nil
		s.setState(Disconnected)
		return false
	}
	return true
}

// sleep waits d unless the sink is closed first.
func (s *StreamSink) sleep(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(d):
		return true
	}
}

// Close stops the supervisor, sends a close frame and tears down the
// connection. Idempotent.
func (s *StreamSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		if s.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
		s.setState(Disconnected)
	})
	return nil
}

func gorillaDial(url string, header http.Header) (wsConn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func wsScheme(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func httpScheme(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
