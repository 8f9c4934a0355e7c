package main

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// HttpTransportWithBearer wraps a base RoundTripper to add the Authorization header.
type HttpTransportWithBearer struct {
	BaseTransport http.RoundTripper
	Token         string
}

// RoundTrip implements the RoundTripper interface to modify the request.
func (t *HttpTransportWithBearer) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid side effects
	reqClone := req.Clone(req.Context())

	reqClone.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.Token))

	base := t.BaseTransport
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(reqClone)
}

// NewHttpClientWithBearerTransport returns a client that authenticates every
// request with token. The client has no overall timeout since relayed
// responses stream for as long as the upstream keeps producing output.
func NewHttpClientWithBearerTransport(base http.RoundTripper, token string) *http.Client {
	return &http.Client{
		Transport: &HttpTransportWithBearer{
			BaseTransport: base,
			Token:         token,
		},
	}
}

// newUpstreamTransport builds the shared transport used for all upstream
// calls. connectTimeout bounds dialing and the TLS handshake, headerTimeout
// bounds the wait for the response status line and headers.
func newUpstreamTransport(connectTimeout, headerTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
