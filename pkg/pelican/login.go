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

package pelican

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
	"github.com/jeremyhahn/go-pelican/pkg/audit"
	"github.com/jeremyhahn/go-pelican/pkg/authflow"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/session"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

// Operation is the storage operation a queued request resumes.
type Operation string

const (
	OperationGet  Operation = "GET"
	OperationPut  Operation = "PUT"
	OperationList Operation = "PROPFIND"
)

// stateObjectURL carries the address being accessed through the
// authorization round trip.
const stateObjectURL = "objectUrl"

// QueuedRequest is the operation that was interrupted by a login. It is
// persisted before the redirect and handed back by CompleteLogin.
type QueuedRequest struct {
	ID                 string    `json:"id"`
	ObjectURL          string    `json:"objectUrl"`
	FederationHostname string    `json:"federationHostname"`
	Path               string    `json:"path"`
	Namespace          string    `json:"namespace"`
	Type               Operation `json:"type"`
	CreatedAt          time.Time `json:"createdAt"`
}

// StartLogin begins authorization for the namespace owning objectURL. It
// resolves the namespace, persists the code verifier, the queued request
// and the registry, and returns the URL to send the user to.
func (c *Client) StartLogin(ctx context.Context, objectURL string, op Operation) (authflow.Redirect, QueuedRequest, error) {
	t, err := c.EnsureMetadata(ctx, objectURL)
	if err != nil {
		return authflow.Redirect{}, QueuedRequest{}, err
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	var verifier string
	if _, err := session.Load(ctx, c.store, session.KeyCodeVerifier, &verifier); err != nil {
		return authflow.Redirect{}, QueuedRequest{}, err
	}
	redirect, err := c.flow.StartFlow(t.Namespace, t.Federation.Hostname, verifier,
		map[string]string{stateObjectURL: t.Address.String()})
	if err != nil {
		return authflow.Redirect{}, QueuedRequest{}, err
	}
	if err := session.Save(ctx, c.store, session.KeyCodeVerifier, redirect.Verifier); err != nil {
		return authflow.Redirect{}, QueuedRequest{}, err
	}

	queued := QueuedRequest{
		ID:                 uuid.NewString(),
		ObjectURL:          t.Address.String(),
		FederationHostname: t.Federation.Hostname,
		Path:               t.Address.ObjectPath,
		Namespace:          t.Namespace.Prefix,
		Type:               op,
		CreatedAt:          c.now().UTC(),
	}
	if err := session.Save(ctx, c.store, session.KeyQueuedRequest, queued); err != nil {
		return authflow.Redirect{}, QueuedRequest{}, err
	}
	if err := c.Save(ctx); err != nil {
		return authflow.Redirect{}, QueuedRequest{}, err
	}

	c.recordLogin(ctx, audit.EventLoginStarted, queued.FederationHostname, queued.Namespace, "", nil)
	c.logger.Info(ctx, "login started",
		adapters.Field{Key: "federation", Value: queued.FederationHostname},
		adapters.Field{Key: "namespace", Value: queued.Namespace},
		adapters.Field{Key: "request_id", Value: queued.ID})
	return redirect, queued, nil
}

// CompleteLogin exchanges the authorization code returned to the redirect
// URI for a token, using the verifier persisted by StartLogin. It returns
// the token and the queued request, if any, and clears both the verifier
// and the queue.
func (c *Client) CompleteLogin(ctx context.Context, code, state string) (token.Token, *QueuedRequest, error) {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	var verifier string
	found, err := session.Load(ctx, c.store, session.KeyCodeVerifier, &verifier)
	if err != nil {
		return token.Token{}, nil, err
	}
	if !found {
		return token.Token{}, nil, fmt.Errorf("%w: no login in progress", common.ErrFlowConfiguration)
	}

	st, _ := authflow.ParseState(state)
	tok, err := c.flow.CompleteFlow(ctx, code, state, verifier)
	if err != nil {
		c.recordLogin(ctx, audit.EventAuthFailure, st.Federation, st.Namespace, "", err)
		return token.Token{}, nil, err
	}
	c.recordLogin(ctx, audit.EventAuthSuccess, st.Federation, st.Namespace, tok.Subject, nil)

	// Listings fetched under the previous identity may differ.
	c.listings.Clear()
	if err := session.Delete(ctx, c.store, session.KeyCodeVerifier); err != nil {
		return tok, nil, err
	}
	queued, err := c.queuedRequest(ctx)
	if err != nil {
		return tok, nil, err
	}
	if err := session.Delete(ctx, c.store, session.KeyQueuedRequest); err != nil {
		return tok, queued, err
	}
	if err := c.Save(ctx); err != nil {
		return tok, queued, err
	}

	c.logger.Info(ctx, "login completed",
		adapters.Field{Key: "issuer", Value: tok.Issuer},
		adapters.Field{Key: "subject", Value: tok.Subject},
		adapters.Field{Key: "scope", Value: tok.Scope})
	return tok, queued, nil
}

func (c *Client) recordLogin(ctx context.Context, event audit.EventType, federation, namespace, subject string, opErr error) {
	if err := c.audit.LogAuthorization(ctx, event, federation, namespace, subject, opErr); err != nil {
		c.logger.Warn(ctx, "audit write failed", adapters.Field{Key: "error", Value: err.Error()})
	}
}

// CompleteLoginURL is CompleteLogin for the full callback URL the issuer
// redirected to.
func (c *Client) CompleteLoginURL(ctx context.Context, callbackURL string) (token.Token, *QueuedRequest, error) {
	cb, err := authflow.ParseCallback(callbackURL)
	if err != nil {
		return token.Token{}, nil, err
	}
	return c.CompleteLogin(ctx, cb.Code, cb.State)
}

// QueuedRequest returns the persisted queued request, or nil.
func (c *Client) QueuedRequest(ctx context.Context) (*QueuedRequest, error) {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.queuedRequest(ctx)
}

func (c *Client) queuedRequest(ctx context.Context) (*QueuedRequest, error) {
	var q QueuedRequest
	found, err := session.Load(ctx, c.store, session.KeyQueuedRequest, &q)
	if err != nil || !found {
		return nil, err
	}
	return &q, nil
}

// ClearQueuedRequest drops the persisted queued request.
func (c *Client) ClearQueuedRequest(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return session.Delete(ctx, c.store, session.KeyQueuedRequest)
}

// ClearExpiredTokens drops expired tokens from every namespace and
// persists the result.
func (c *Client) ClearExpiredTokens(ctx context.Context) (int, error) {
	n := c.registry.ClearExpiredTokens(c.now())
	if n == 0 {
		return 0, nil
	}
	return n, c.Save(ctx)
}
