// Package signal defines the exchange view handed over by the proxy host
// and the outbound signal payload relayed to the collector.
package signal

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Exchange is one intercepted request, optionally paired with its response.
// The pipeline treats it as read-only.
type Exchange struct {
	Host        string `json:"host"`
	URL         string `json:"url"`
	Method      string `json:"method"`
	UserAgent   string `json:"ua"`
	ClientIP    string `json:"client_ip,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	TLSEstablished bool   `json:"tls_established,omitempty"`
	TLSVersion     string `json:"tls_version,omitempty"`
	Cipher         string `json:"cipher,omitempty"`

	// Present only on the response path.
	StatusCode      int               `json:"status_code,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
}

// Scheme returns the URL scheme, empty when the URL carries none.
func (ex Exchange) Scheme() string {
	if i := strings.Index(ex.URL, "://"); i > 0 {
		return strings.ToLower(ex.URL[:i])
	}
	return ""
}

// Normalize clamps the user agent to maxUA and substitutes a marker for an
// empty one. It returns a copy; the caller's exchange is never mutated.
func (ex Exchange) Normalize(maxUA int) Exchange {
	if ex.UserAgent == "" {
		ex.UserAgent = "NO_UA"
	}
	if maxUA > 0 && len(ex.UserAgent) > maxUA {
		ex.UserAgent = ex.UserAgent[:maxUA]
	}
	return ex
}

// TLSInfo is a compact rendering of the negotiated TLS parameters.
func (ex Exchange) TLSInfo() string {
	if !ex.TLSEstablished {
		return ""
	}
	if ex.Cipher == "" {
		return ex.TLSVersion
	}
	return ex.TLSVersion + "/" + ex.Cipher
}

// Signal is the outbound payload. Built once per unsuppressed exchange and
// immutable afterwards; every sink serializes the same struct.
type Signal struct {
	ID            string `json:"id"`
	UA            string `json:"ua"`
	URL           string `json:"url"`
	TS            int64  `json:"ts"` // epoch millis
	SrcIP         string `json:"src_ip,omitempty"`
	TLSInfo       string `json:"tls_info,omitempty"`
	TLSSuspicious bool   `json:"tls_suspicious"`
	CertBehavior  string `json:"cert_behavior"`
	CertRiskBonus int    `json:"cert_risk_bonus"`
	Method        string `json:"method,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	Host          string `json:"host"`
	Scheme        string `json:"scheme,omitempty"`

	Geo          *GeoInfo `json:"geo,omitempty"`
	UAAutomation []string `json:"ua_automation,omitempty"`

	// Fingerprint is the dedup digest for this signal; doubles as the
	// partition key for archival sinks.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// GeoInfo is coarse client geolocation, attached only when a GeoIP database
// is configured.
type GeoInfo struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// New builds the signal for an exchange. behavior and risk come from the
// certificate prober; tls_suspicious is derived from the risk contribution.
func New(ex Exchange, behavior string, risk int) Signal {
	return Signal{
		ID:            uuid.New().String(),
		UA:            ex.UserAgent,
		URL:           ex.URL,
		TS:            time.Now().UnixMilli(),
		SrcIP:         ex.ClientIP,
		TLSInfo:       ex.TLSInfo(),
		TLSSuspicious: risk > 0,
		CertBehavior:  behavior,
		CertRiskBonus: risk,
		Method:        ex.Method,
		ContentType:   ex.ContentType,
		Host:          ex.Host,
		Scheme:        ex.Scheme(),
	}
}
