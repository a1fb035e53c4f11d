// Package dedupe suppresses repeated emission of identical signals within a
// bounded recent window.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Fingerprint digests the identifying parts of an exchange. URL and client
// IP may be empty; the user agent alone still yields a stable key.
func Fingerprint(ua, url, clientIP string) string {
	h := sha256.New()
	h.Write([]byte(ua))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(clientIP))
	return hex.EncodeToString(h.Sum(nil))
}

// Deduper is a fixed-capacity FIFO set of fingerprints. When full, the
// oldest entry is evicted to admit the newest; a repeat of an evicted
// fingerprint is re-processed, which is the accepted trade-off.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

// DefaultCapacity matches the recent-window size of the original relay.
const DefaultCapacity = 100

func New(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduper{
		seen: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// SeenAndMark reports whether fp was already present and, if not, inserts
// it. Check and insert are one critical section so two concurrent callers
// with the same fingerprint cannot both observe "unseen".
func (d *Deduper) SeenAndMark(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[fp]; ok {
		return true
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[fp] = struct{}{}
	d.order = append(d.order, fp)
	return false
}

// Len returns the current number of tracked fingerprints.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
