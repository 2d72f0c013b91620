package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

//go:embed VERSION
var version string

// Version returns the embedded build version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so the caller's headers are never mutated
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// limitTransport blocks each outgoing request until the limiter admits it or
// the request context is done.
type limitTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

// RoundTrip implements http.RoundTripper.
func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns an http client with the curtailr user-agent set. If
// limiter is non-nil every request waits on it before being sent.
func HTTPClient(timeout time.Duration, limiter *rate.Limiter) *http.Client {
	var transport http.RoundTripper = &userAgentTransport{
		transport: http.DefaultTransport,
		userAgent: "Curtailr/" + Version(),
	}
	if limiter != nil {
		transport = &limitTransport{
			transport: transport,
			limiter:   limiter,
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
