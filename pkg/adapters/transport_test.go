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
	"bytes"
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func caPEM(srv *httptest.Server) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
}

func TestClientTLSConfigTrustsExtraRoots(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	// System roots alone reject the test certificate.
	plain, err := NewHTTPClient(HTTPClientConfig{})
	require.NoError(t, err)
	_, err = plain.Get(srv.URL)
	assert.Error(t, err)

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, caPEM(srv), 0o600))
	tlsConfig, err := ClientTLSConfig{CAFile: caFile}.Build()
	require.NoError(t, err)

	client, err := NewHTTPClient(HTTPClientConfig{TLS: tlsConfig})
	require.NoError(t, err)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientTLSConfigErrors(t *testing.T) {
	_, err := ClientTLSConfig{CAPEM: []byte("not a certificate")}.Build()
	assert.ErrorIs(t, err, ErrInvalidCAPool)

	_, err = ClientTLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}.Build()
	assert.ErrorIs(t, err, ErrInvalidCAPool)

	_, err = ClientTLSConfig{CertFile: "missing.crt", KeyFile: "missing.key"}.Build()
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	cfg, err := ClientTLSConfig{InsecureSkipVerify: true}.Build()
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)
}

func TestNewHTTPClientProtocols(t *testing.T) {
	client, err := NewHTTPClient(HTTPClientConfig{Protocol: ProtocolHTTP3})
	require.NoError(t, err)
	assert.IsType(t, &http3.Transport{}, client.Transport)
	assert.Equal(t, DefaultTimeout, client.Timeout)

	client, err = NewHTTPClient(HTTPClientConfig{Protocol: ProtocolHTTP1, Timeout: -1})
	require.NoError(t, err)
	assert.IsType(t, &http.Transport{}, client.Transport)
	assert.Zero(t, client.Timeout)

	_, err = NewHTTPClient(HTTPClientConfig{Protocol: "spdy"})
	assert.Error(t, err)
}

func TestRateLimitedTransport(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	tlsConfig, err := ClientTLSConfig{CAPEM: caPEM(srv)}.Build()
	require.NoError(t, err)
	client, err := NewHTTPClient(HTTPClientConfig{TLS: tlsConfig, RateLimit: 0.5, RateBurst: 1})
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.Error(t, err, "second request cannot get a token before the deadline")
}

func TestLoggingTransport(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	tlsConfig, err := ClientTLSConfig{CAPEM: caPEM(srv)}.Build()
	require.NoError(t, err)
	client, err := NewHTTPClient(HTTPClientConfig{TLS: tlsConfig, Logger: NewSlogLogger(&buf, DebugLevel)})
	require.NoError(t, err)

	resp, err := client.Get(srv.URL + "/object")
	require.NoError(t, err)
	_ = resp.Body.Close()

	records := decodeLines(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "http request", records[0]["msg"])
	assert.Equal(t, "http response", records[1]["msg"])
	assert.Equal(t, records[0]["request_id"], records[1]["request_id"])
	assert.NotEmpty(t, records[0]["request_id"])
	assert.EqualValues(t, http.StatusTeapot, records[1]["status"])
}
