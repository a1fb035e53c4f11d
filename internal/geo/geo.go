// Package geo enriches signals with coarse client geolocation from a
// MaxMind GeoIP2 database. The resolver is optional; a nil *Resolver is a
// valid no-op.
package geo

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/shortontech/uarelay/internal/signal"
)

// Resolver wraps a GeoIP2 city database reader.
type Resolver struct {
	reader *geoip2.Reader
	mu     sync.RWMutex
}

// Open opens the database at path.
func Open(path string) (*Resolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Resolver{reader: reader}, nil
}

// Close releases the database. Safe on nil.
func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		err := r.reader.Close()
		r.reader = nil
		return err
	}
	return nil
}

// Lookup resolves ipStr to country and city. Returns nil for a nil
// resolver, an unparsable IP, or a lookup miss; enrichment is best-effort.
func (r *Resolver) Lookup(ipStr string) *signal.GeoInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return nil
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil
	}
	record, err := r.reader.City(ip)
	if err != nil {
		return nil
	}
	info := &signal.GeoInfo{
		Country: record.Country.IsoCode,
		City:    record.City.Names["en"],
	}
	if info.Country == "" && info.City == "" {
		return nil
	}
	return info
}
