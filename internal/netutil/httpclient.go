// Package netutil provides shared HTTP client construction and retry/backoff
// helpers for outbound API calls.
package netutil

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

const defaultAPIUserAgent = "curvescan/1.0"

// APIClientOptions controls the shared outbound HTTP client used for
// holder-data and RPC endpoints.
type APIClientOptions struct {
	// Timeout caps a whole request including body read. Defaults to 30s.
	Timeout time.Duration
	// MaxIdleConnsPerHost for connection reuse against a small set of API
	// hosts. Defaults to 16.
	MaxIdleConnsPerHost int
	// ReadIdleTimeout enables HTTP/2 health pings on idle connections, so a
	// dead API connection is detected before the next burst of paged calls.
	// Defaults to 30s.
	ReadIdleTimeout time.Duration
}

// NewAPIClient builds an *http.Client tuned for long-lived, rate-limited API
// traffic: keep-alives on, HTTP/2 with read-idle pings.
func NewAPIClient(opts APIClientOptions) (*http.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxIdlePerHost := opts.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = 16
	}
	readIdle := opts.ReadIdleTimeout
	if readIdle <= 0 {
		readIdle = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	h2.ReadIdleTimeout = readIdle
	h2.PingTimeout = 10 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// SetDefaultHeaders applies the standard outbound headers to an API request.
func SetDefaultHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultAPIUserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}
