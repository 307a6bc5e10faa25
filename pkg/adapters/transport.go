// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pelican.
//
// go-pelican is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package adapters

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/time/rate"
)

// Transport protocols.
const (
	ProtocolHTTP1 = "http1"
	ProtocolHTTP3 = "http3"
)

// DefaultTimeout bounds a whole request including redirects and body.
const DefaultTimeout = 60 * time.Second

// HTTPClientConfig configures NewHTTPClient.
type HTTPClientConfig struct {
	// Timeout is the overall request timeout. Zero means DefaultTimeout;
	// negative disables it.
	Timeout time.Duration

	// Protocol is ProtocolHTTP1 (default, HTTP/1.1 and HTTP/2) or ProtocolHTTP3.
	Protocol string

	// TLS verifies federation servers. Nil means system roots.
	TLS *tls.Config

	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64

	// RateBurst is the limiter burst. Defaults to 1 when RateLimit is set.
	RateBurst int

	// Logger receives a debug record per request.
	Logger Logger
}

// NewHTTPClient builds the client used for discovery, token exchange and
// storage requests.
func NewHTTPClient(cfg HTTPClientConfig) (*http.Client, error) {
	tlsConfig := cfg.TLS
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = (ClientTLSConfig{}).Build(); err != nil {
			return nil, err
		}
	}

	var transport http.RoundTripper
	switch cfg.Protocol {
	case "", ProtocolHTTP1:
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = tlsConfig
		transport = t
	case ProtocolHTTP3:
		transport = &http3.Transport{
			TLSClientConfig: tlsConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  30 * time.Second,
				KeepAlivePeriod: 15 * time.Second,
			},
		}
	default:
		return nil, fmt.Errorf("unsupported http protocol %q", cfg.Protocol)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		transport = &rateLimitedTransport{
			next:    transport,
			limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		}
	}
	if cfg.Logger != nil {
		transport = &loggingTransport{next: transport, logger: cfg.Logger}
	}

	timeout := cfg.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < 0:
		timeout = 0
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// rateLimitedTransport waits for a limiter token before each request,
// giving up when the request context ends.
type rateLimitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// loggingTransport logs each round trip under a request id so redirect
// chains can be followed in the log.
type loggingTransport struct {
	next   http.RoundTripper
	logger Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	id := uuid.NewString()
	start := time.Now()
	t.logger.Debug(ctx, "http request",
		Field{Key: "request_id", Value: id},
		Field{Key: "method", Value: req.Method},
		Field{Key: "url", Value: req.URL.Redacted()})

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.logger.Debug(ctx, "http request failed",
			Field{Key: "request_id", Value: id},
			Field{Key: "error", Value: err.Error()},
			Field{Key: "duration", Value: time.Since(start).String()})
		return nil, err
	}
	t.logger.Debug(ctx, "http response",
		Field{Key: "request_id", Value: id},
		Field{Key: "status", Value: resp.StatusCode},
		Field{Key: "proto", Value: resp.Proto},
		Field{Key: "duration", Value: time.Since(start).String()})
	return resp, nil
}
