// Package probe actively classifies certificate-handling behavior on the
// relay's outbound path. A bounded request to a known-good HTTPS reference
// endpoint is issued with full verification, and on verification failure
// retried with verification disabled; a success on the retry dominates the
// specific failure classification.
//
// Note the probe observes the relay host's own egress, not the intercepted
// client's TLS stack. The resulting score is a network-environment
// heuristic carried over from the original design.
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Behavior is the classification of one probe.
type Behavior string

const (
	ValidatesCerts       Behavior = "validates_certs"
	IgnoresCerts         Behavior = "ignores_certs"
	ConnectionFailed     Behavior = "connection_failed"
	ConnectionTimeout    Behavior = "connection_timeout"
	CertExpired          Behavior = "cert_expired"
	CertSelfSigned       Behavior = "cert_self_signed"
	CertHostnameMismatch Behavior = "cert_hostname_mismatch"
	CertValidationFailed Behavior = "cert_validation_failed"
	NonHTTPS             Behavior = "non_https"
	UnknownError         Behavior = "unknown_error"
)

var riskScores = map[Behavior]int{
	ValidatesCerts:       0,
	IgnoresCerts:         30,
	ConnectionFailed:     15,
	ConnectionTimeout:    5,
	CertExpired:          20,
	CertSelfSigned:       25,
	CertHostnameMismatch: 25,
	CertValidationFailed: 20,
	NonHTTPS:             0,
	UnknownError:         10,
}

// Risk returns the fixed additive risk contribution for the behavior.
func (b Behavior) Risk() int { return riskScores[b] }

// Prober issues the reference probes. Safe for concurrent use.
type Prober struct {
	refURL  string
	timeout time.Duration

	verifying *http.Client
	insecure  *http.Client
}

func New(refURL string, timeout time.Duration) *Prober {
	if timeout <= 0 || timeout > 3*time.Second {
		timeout = 3 * time.Second
	}
	return &Prober{
		refURL:  refURL,
		timeout: timeout,
		verifying: &http.Client{
			Timeout: timeout,
		},
		insecure: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- deliberate second-pass probe
			},
		},
	}
}

// Probe classifies the certificate behavior for an observed exchange. Only
// URLs with the https scheme are probed; everything else short-circuits to
// NonHTTPS without a network call.
func (p *Prober) Probe(ctx context.Context, userAgent, rawURL string) (Behavior, int) {
	if !strings.HasPrefix(strings.ToLower(rawURL), "https://") {
		return NonHTTPS, NonHTTPS.Risk()
	}

	err := p.request(ctx, p.verifying, userAgent)
	if err == nil {
		return ValidatesCerts, ValidatesCerts.Risk()
	}

	b := classify(err)
	if !isCertBehavior(b) {
		return b, b.Risk()
	}

	// Verification failed; a clean response with verification disabled means
	// this egress path ignores certificates, which dominates the specific
	// failure classification.
	if p.request(ctx, p.insecure, userAgent) == nil {
		return IgnoresCerts, IgnoresCerts.Risk()
	}
	return b, b.Risk()
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }

func (p *Prober) request(ctx context.Context, client *http.Client, userAgent string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.refURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func isCertBehavior(b Behavior) bool {
	switch b {
	case CertExpired, CertSelfSigned, CertHostnameMismatch, CertValidationFailed:
		return true
	}
	return false
}

// classify maps a transport error to a behavior using typed error
// inspection rather than matching on error text.
func classify(err error) Behavior {
	var (
		invalidErr   x509.CertificateInvalidError
		hostnameErr  x509.HostnameError
		authorityErr x509.UnknownAuthorityError
		verifyErr    *tls.CertificateVerificationError
		netErr       net.Error
	)

	switch {
	case errors.As(err, &invalidErr):
		if invalidErr.Reason == x509.Expired {
			return CertExpired
		}
		return CertValidationFailed
	case errors.As(err, &hostnameErr):
		return CertHostnameMismatch
	case errors.As(err, &authorityErr):
		if c := authorityErr.Cert; c != nil && bytes.Equal(c.RawIssuer, c.RawSubject) {
			return CertSelfSigned
		}
		return CertValidationFailed
	case errors.As(err, &verifyErr):
		return CertValidationFailed
	case errors.Is(err, context.DeadlineExceeded):
		return ConnectionTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ConnectionTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return ConnectionFailed
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ConnectionFailed
	}
	return UnknownError
}
