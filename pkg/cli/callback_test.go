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

package cli

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCallback(t *testing.T) *CallbackServer {
	t.Helper()
	srv, err := StartCallbackServer("127.0.0.1:0", "http://127.0.0.1:0/callback", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func hit(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestCallbackServerDeliversCallback(t *testing.T) {
	srv := startCallback(t)
	u, err := url.Parse(srv.RedirectURL())
	require.NoError(t, err)
	assert.NotEqual(t, "0", u.Port(), "the bound port replaces port 0")
	assert.Equal(t, "/callback", u.Path)

	status, body := hit(t, srv.RedirectURL()+"?code=abc&state=xyz")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Login complete")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := srv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.RedirectURL()+"?code=abc&state=xyz", got)
}

func TestCallbackServerAcceptsUppercaseCode(t *testing.T) {
	srv := startCallback(t)

	status, body := hit(t, srv.RedirectURL()+"?CODE=abc&state=xyz")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Login complete")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := srv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.RedirectURL()+"?CODE=abc&state=xyz", got)
}

func TestCallbackServerDenied(t *testing.T) {
	srv := startCallback(t)

	status, _ := hit(t, srv.RedirectURL()+"?error=access_denied&error_description=user+declined")
	assert.Equal(t, http.StatusBadRequest, status)

	_, err := srv.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCallbackDenied)
	assert.Contains(t, err.Error(), "access_denied: user declined")
}

func TestCallbackServerIgnoresStrayRequests(t *testing.T) {
	srv := startCallback(t)

	status, _ := hit(t, srv.RedirectURL())
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = hit(t, strings.TrimSuffix(srv.RedirectURL(), "/callback")+"/favicon.ico")
	assert.Equal(t, http.StatusNotFound, status)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := srv.Wait(ctx)
	assert.ErrorIs(t, err, ErrCallbackTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallbackServerSecurityHeaders(t *testing.T) {
	srv := startCallback(t)
	resp, err := http.Get(srv.RedirectURL() + "?code=c&state=s")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestStartCallbackServerErrors(t *testing.T) {
	_, err := StartCallbackServer("127.0.0.1:0", "/callback", nil)
	assert.ErrorIs(t, err, ErrInvalidRedirectURL)

	_, err = StartCallbackServer("256.0.0.1:bad", "http://127.0.0.1:0/callback", nil)
	assert.Error(t, err)
}
