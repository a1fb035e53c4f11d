package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HookAddr string // address for the proxy-host hook server

	CollectorURL string // HTTP relay base, POST <CollectorURL>/log
	StreamURL    string // websocket collector base
	StreamPath   string // namespaced channel on the stream collector
	NodeName     string // identity sent on the stream handshake

	LogDir       string // fallback record directory
	EmergencyLog string // last-resort append log path

	ProbeURL     string // known-good HTTPS reference endpoint
	ProbeTimeout time.Duration

	MaxUALength    int
	DedupeCapacity int

	WorkerLimit int     // concurrent pipeline workers
	RateLimit   float64 // exchanges per second admitted to the pipeline
	RateBurst   int

	BypassFile   string   // optional YAML hosts/suffixes file
	BypassHosts  []string // merged with file contents
	BypassSuffix []string

	GeoIPDB string // optional MaxMind database path

	Outputs []string // enabled sinks: relay, stream, kafka, postgres, log

	TrustProxy   bool  // honor X-Forwarded-For / X-Real-IP on hook requests
	MaxBodyBytes int64 // hook request body cap
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}

func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func Load() Config {
	return Config{
		HookAddr: getOr("HOOK_ADDR", ":19899"),

		CollectorURL: getOr("COLLECTOR_URL", "http://localhost:3000"),
		StreamURL:    getOr("STREAM_URL", "ws://localhost:3000"),
		StreamPath:   getOr("STREAM_PATH", "/scanner"),
		NodeName:     getOr("NODE_NAME", hostname()),

		LogDir:       getOr("LOG_DIR", "uarelay_logs"),
		EmergencyLog: getOr("EMERGENCY_LOG", "uarelay_emergency.log"),

		ProbeURL:     getOr("PROBE_URL", "https://www.google.com/generate_204"),
		ProbeTimeout: getDuration("PROBE_TIMEOUT", 3*time.Second),

		MaxUALength:    getInt("MAX_UA_LENGTH", 1024),
		DedupeCapacity: getInt("DEDUPE_CAPACITY", 100),

		WorkerLimit: getInt("WORKER_LIMIT", 64),
		RateLimit:   getFloat("RATE_LIMIT", 50),
		RateBurst:   getInt("RATE_BURST", 50),

		BypassFile:   getOr("BYPASS_FILE", ""),
		BypassHosts:  getStringSlice("BYPASS_HOSTS", "localhost,127.0.0.1"),
		BypassSuffix: getStringSlice("BYPASS_SUFFIXES", "google.com,cloudflare.com,mitm.it"),

		GeoIPDB: getOr("GEOIP_DB", ""),

		Outputs: getStringSlice("OUTPUTS", "relay,stream"),

		TrustProxy:   getBool("TRUST_PROXY", false),
		MaxBodyBytes: getInt64("MAX_BODY_BYTES", 1<<20),
	}
}
