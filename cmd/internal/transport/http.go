// Package transport builds the outbound HTTP client shared by backend and push adapters.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultIdleTimeout = 90 * time.Second
)

// Options tunes NewHTTPClient. Zero values fall back to defaults.
type Options struct {
	Timeout      time.Duration
	MaxIdleConns int
	IdleTimeout  time.Duration
}

// NewHTTPClient returns a client that negotiates HTTP/2 over TLS (TLS 1.2+)
// and falls back to HTTP/1.1 for plain-text endpoints.
func NewHTTPClient(opts Options) (*http.Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 64
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       opts.IdleTimeout,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(base); err != nil {
		return nil, fmt.Errorf("transport: configure http2: %w", err)
	}

	return &http.Client{
		Transport: base,
		Timeout:   opts.Timeout,
	}, nil
}
