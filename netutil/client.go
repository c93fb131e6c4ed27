package netutil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig configures NewClient.
type ClientConfig struct {
	// Allow decides which host:port pairs may be dialed.
	Allow func(host, port string) bool

	// OnBlocked is called for every refused dial.
	OnBlocked func(addr string, reason string)

	// Timeout bounds a whole request including retries. Zero means none.
	Timeout time.Duration

	// MaxRetries is passed to RetryTransport.
	MaxRetries int

	// AllowPrivateNetwork lifts the loopback and private range block.
	AllowPrivateNetwork bool
}

// NewClient builds an HTTP client whose every connection goes through an
// allowlist Dialer and whose transient failures are retried.
func NewClient(cfg ClientConfig) *http.Client {
	dialer := &Dialer{
		Allow:               cfg.Allow,
		OnBlocked:           cfg.OnBlocked,
		AllowPrivateNetwork: cfg.AllowPrivateNetwork,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     TLSConfig(),
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &RetryTransport{
			Base:       transport,
			MaxRetries: cfg.MaxRetries,
		},
		// redirects are dialed through the same allowlist
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// TLSConfig returns a TLS configuration requiring TLS 1.2 or newer.
func TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
	}
}

// StripCredentials removes user:password@ from a URL for logging.
// Unparseable input is returned unchanged.
func StripCredentials(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.User = nil
	return parsed.String()
}
