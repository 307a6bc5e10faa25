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
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
)

// CallbackServer is the loopback listener the issuer redirects the browser
// to at the end of a login. It delivers the first callback it receives.
type CallbackServer struct {
	redirect   *url.URL
	listener   net.Listener
	httpServer *http.Server
	results    chan callbackResult
	logger     adapters.Logger
}

type callbackResult struct {
	url string
	err error
}

// StartCallbackServer binds listen and serves redirectURL's path on it.
// A listen port of 0 picks a free port, which is then reflected in
// RedirectURL.
func StartCallbackServer(listen, redirectURL string, logger adapters.Logger) (*CallbackServer, error) {
	logger = adapters.OrNoOp(logger)
	redirect, err := url.Parse(redirectURL)
	if err != nil || redirect.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRedirectURL, redirectURL)
	}
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener: %w", err)
	}
	if _, port, err := net.SplitHostPort(redirect.Host); err == nil && port == "0" {
		redirect.Host = net.JoinHostPort(redirect.Hostname(), fmt.Sprint(ln.Addr().(*net.TCPAddr).Port))
	}

	s := &CallbackServer{
		redirect: redirect,
		listener: ln,
		results:  make(chan callbackResult, 1),
		logger:   logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	})
	router.GET(path, s.handleCallback)

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deliver(callbackResult{err: err})
		}
	}()

	logger.Debug(context.Background(), "callback listener started",
		adapters.Field{Key: "address", Value: ln.Addr().String()},
		adapters.Field{Key: "redirect_url", Value: s.RedirectURL()})
	return s, nil
}

// RedirectURL is the redirect URI to register and send to the issuer.
func (s *CallbackServer) RedirectURL() string {
	return s.redirect.String()
}

func (s *CallbackServer) handleCallback(c *gin.Context) {
	q := c.Request.URL.Query()
	if msg := q.Get("error"); msg != "" {
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		s.deliver(callbackResult{err: fmt.Errorf("%w: %s", ErrCallbackDenied, msg)})
		c.String(http.StatusBadRequest, "Login failed: %s\n", msg)
		return
	}
	// Some issuers send the code as "CODE".
	if q.Get("code") == "" && q.Get("CODE") == "" {
		c.String(http.StatusBadRequest, "Missing authorization code\n")
		return
	}

	u := *s.redirect
	u.RawQuery = c.Request.URL.RawQuery
	s.deliver(callbackResult{url: u.String()})
	c.String(http.StatusOK, "Login complete. You can close this window.\n")
}

func (s *CallbackServer) deliver(r callbackResult) {
	select {
	case s.results <- r:
	default:
	}
}

// Wait blocks until a callback arrives or ctx is done, and returns the full
// callback URL.
func (s *CallbackServer) Wait(ctx context.Context) (string, error) {
	select {
	case r := <-s.results:
		return r.url, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrCallbackTimeout, ctx.Err())
	}
}

// Close stops the listener.
func (s *CallbackServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
