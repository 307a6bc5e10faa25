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

// Package authflow drives the OAuth2 authorization-code flow with PKCE that
// obtains namespace tokens.
//
// The browser redirect splits the flow in two: StartFlow returns the URL to
// visit, and CompleteFlow consumes the code from the redirect, possibly in
// a different process. The code verifier is the only secret carried between
// the two and is the caller's to persist.
package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/federation"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"storage.read:/", "storage.create:/", "storage.modify:/"}

// Phase is a step of the authorization flow.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRedirecting
	PhaseCodePresent
	PhaseExchanging
	PhaseTokenAcquired
	PhaseExchangeFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRedirecting:
		return "redirecting"
	case PhaseCodePresent:
		return "code-present"
	case PhaseExchanging:
		return "exchanging"
	case PhaseTokenAcquired:
		return "token-acquired"
	case PhaseExchangeFailed:
		return "exchange-failed"
	default:
		return "unknown"
	}
}

// NamespaceStore is where the controller looks up namespaces and stores
// acquired tokens. *federation.Registry implements it.
type NamespaceStore interface {
	Namespace(hostname, prefix string) (federation.Namespace, bool)
	SetToken(hostname, prefix string, tok token.Token) error
}

// Config configures a Controller.
type Config struct {
	HTTPClient  *http.Client
	Logger      adapters.Logger
	RedirectURL string
	Scopes      []string
	Now         func() time.Time
}

// Redirect is the result of StartFlow.
type Redirect struct {
	URL      string
	State    string
	Verifier string
}

// Controller runs authorization flows against namespace issuers.
type Controller struct {
	client      *http.Client
	logger      adapters.Logger
	store       NamespaceStore
	redirectURL string
	scopes      []string
	now         func() time.Time
	phase       atomic.Int32
}

// NewController creates a controller storing tokens in store.
func NewController(store NamespaceStore, cfg Config) *Controller {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = adapters.NewNoOpLogger()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
		store:       store,
		redirectURL: cfg.RedirectURL,
		scopes:      cfg.Scopes,
		now:         cfg.Now,
	}
}

// GenerateVerifier returns a new PKCE code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// Challenge returns the S256 code challenge for verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Phase returns the phase of the most recent flow.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Controller) setPhase(ctx context.Context, p Phase) {
	c.phase.Store(int32(p))
	c.logger.Debug(ctx, "authorization flow", adapters.Field{Key: "phase", Value: p.String()})
}

// StartFlow builds the authorization URL for ns. An empty verifier is
// replaced by a fresh one; the returned verifier must be kept for
// CompleteFlow. extra is round-tripped in the state parameter.
func (c *Controller) StartFlow(ns federation.Namespace, federationHostname, verifier string, extra map[string]string) (Redirect, error) {
	if ns.OIDCConfiguration.AuthorizationEndpoint == "" {
		return Redirect{}, fmt.Errorf("%w: namespace %s has no authorization endpoint", common.ErrFlowConfiguration, ns.Prefix)
	}
	if ns.ClientID == "" {
		return Redirect{}, fmt.Errorf("%w: namespace %s has no registered client", common.ErrFlowConfiguration, ns.Prefix)
	}
	if verifier == "" {
		verifier = GenerateVerifier()
	}

	state := State{Namespace: ns.Prefix, Federation: federationHostname, Extra: extra}.Encode()
	authURL := c.oauthConfig(ns).AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("action", ""))

	c.setPhase(context.Background(), PhaseRedirecting)
	return Redirect{URL: authURL, State: state, Verifier: verifier}, nil
}

// CompleteFlow exchanges an authorization code for a token and stores it
// on the namespace named by state. On failure the stored token is untouched.
func (c *Controller) CompleteFlow(ctx context.Context, code, state, verifier string) (token.Token, error) {
	c.setPhase(ctx, PhaseCodePresent)

	if code == "" {
		return token.Token{}, c.fail(ctx, fmt.Errorf("%w: missing authorization code", common.ErrFlowConfiguration))
	}
	if verifier == "" {
		return token.Token{}, c.fail(ctx, fmt.Errorf("%w: missing code verifier", common.ErrFlowConfiguration))
	}
	st, err := ParseState(state)
	if err != nil {
		return token.Token{}, c.fail(ctx, err)
	}
	ns, ok := c.store.Namespace(st.Federation, st.Namespace)
	if !ok {
		return token.Token{}, c.fail(ctx, fmt.Errorf("%w: unknown namespace %s in federation %s",
			common.ErrFlowConfiguration, st.Namespace, st.Federation))
	}
	if ns.ClientID == "" || ns.ClientSecret == "" {
		return token.Token{}, c.fail(ctx, fmt.Errorf("%w: namespace %s has no client credentials",
			common.ErrFlowConfiguration, ns.Prefix))
	}
	if ns.OIDCConfiguration.TokenEndpoint == "" {
		return token.Token{}, c.fail(ctx, fmt.Errorf("%w: namespace %s has no token endpoint",
			common.ErrFlowConfiguration, ns.Prefix))
	}

	c.setPhase(ctx, PhaseExchanging)
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, c.client)
	otok, err := c.oauthConfig(ns).Exchange(exchangeCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return token.Token{}, c.fail(ctx, exchangeError(err))
	}

	scope, _ := otok.Extra("scope").(string)
	tok, err := token.FromAccessToken(otok.AccessToken, scope, expiresIn(otok), c.now())
	if err != nil {
		return token.Token{}, c.fail(ctx, fmt.Errorf("%w: %w", common.ErrTokenExchange, err))
	}
	if err := c.store.SetToken(st.Federation, st.Namespace, tok); err != nil {
		return token.Token{}, c.fail(ctx, err)
	}

	c.setPhase(ctx, PhaseTokenAcquired)
	c.logger.Info(ctx, "token acquired",
		adapters.Field{Key: "federation", Value: st.Federation},
		adapters.Field{Key: "namespace", Value: st.Namespace},
		adapters.Field{Key: "subject", Value: tok.Subject},
		adapters.Field{Key: "scope", Value: tok.Scope})
	return tok, nil
}

func (c *Controller) fail(ctx context.Context, err error) error {
	c.setPhase(ctx, PhaseExchangeFailed)
	return err
}

func (c *Controller) oauthConfig(ns federation.Namespace) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     ns.ClientID,
		ClientSecret: ns.ClientSecret,
		RedirectURL:  c.redirectURL,
		Scopes:       c.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ns.OIDCConfiguration.AuthorizationEndpoint,
			TokenURL:  ns.OIDCConfiguration.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return fmt.Errorf("%w: status %d: %s %s", common.ErrTokenExchange, status, re.ErrorCode, re.ErrorDescription)
	}
	return fmt.Errorf("%w: %w", common.ErrTokenExchange, err)
}

// expiresIn reads expires_in from the raw token response.
func expiresIn(t *oauth2.Token) int64 {
	switch v := t.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	}
	return 0
}
