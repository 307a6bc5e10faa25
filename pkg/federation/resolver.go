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

package federation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
	"github.com/jeremyhahn/go-pelican/pkg/address"
	"github.com/jeremyhahn/go-pelican/pkg/cache"
	"github.com/jeremyhahn/go-pelican/pkg/common"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	HTTPClient *http.Client
	Logger     adapters.Logger

	// RedirectURL is registered as the OAuth redirect URI of new clients.
	RedirectURL string

	// ClientName is sent at dynamic client registration.
	ClientName string

	// RegistrationScope overrides DefaultStorageScope.
	RegistrationScope string
}

// Resolver maps object paths to the namespaces that govern them.
//
// Resolutions are keyed by "<hostname>:<objectPath>". At most one
// resolution per key is in flight; concurrent callers share its result.
// The shared work is detached from any single caller's context, so a
// caller that gives up does not strand the in-flight entry. Registration
// is deduplicated a second time by "<hostname>:<prefix>", so paths in the
// same new namespace share one client.
type Resolver struct {
	client      *http.Client
	logger      adapters.Logger
	redirectURL string
	clientName  string
	scope       string
	prefixes    *cache.Cache[string]
	inflight    singleflight.Group
	registering singleflight.Group
}

// NewResolver creates a Resolver with an empty prefix map.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = adapters.NewNoOpLogger()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "go-pelican"
	}
	return &Resolver{
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
		redirectURL: cfg.RedirectURL,
		clientName:  cfg.ClientName,
		scope:       cfg.RegistrationScope,
		prefixes:    cache.New[string](0),
	}
}

// CacheKey returns the resolution key for addr.
func CacheKey(addr address.ObjectAddress) string {
	return addr.FederationHostname + ":" + addr.ObjectPath
}

// Cached returns the namespace for addr without any network call.
func (r *Resolver) Cached(addr address.ObjectAddress, fed *Federation) (Namespace, bool) {
	prefix, ok := r.prefixes.Get(CacheKey(addr))
	if !ok {
		return Namespace{}, false
	}
	return fed.Namespace(prefix)
}

// Resolve returns the namespace owning addr, discovering and registering
// it on first use. Failures are wrapped in common.ErrNamespaceResolution and
// are not cached.
func (r *Resolver) Resolve(ctx context.Context, addr address.ObjectAddress, fed *Federation) (Namespace, error) {
	if ns, ok := r.Cached(addr, fed); ok {
		return ns, nil
	}
	key := CacheKey(addr)

	ch := r.inflight.DoChan(key, func() (any, error) {
		if ns, ok := r.Cached(addr, fed); ok {
			return ns, nil
		}
		return r.discover(context.WithoutCancel(ctx), addr, fed)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Namespace{}, fmt.Errorf("%w: %s: %w", common.ErrNamespaceResolution, addr, res.Err)
		}
		if res.Shared {
			r.logger.Debug(ctx, "joined in-flight namespace resolution", adapters.Field{Key: "key", Value: key})
		}
		return res.Val.(Namespace), nil
	case <-ctx.Done():
		return Namespace{}, fmt.Errorf("%w: %s: %w", common.ErrNamespaceResolution, addr, ctx.Err())
	}
}

func (r *Resolver) discover(ctx context.Context, addr address.ObjectAddress, fed *Federation) (Namespace, error) {
	start := time.Now()
	md, err := ProbeDirector(ctx, r.client, fed.Configuration.DirectorEndpoint, addr.ObjectPath)
	if err != nil {
		return Namespace{}, fmt.Errorf("director probe: %w", err)
	}

	v, err, shared := r.registering.Do(fed.Hostname+":"+md.Namespace, func() (any, error) {
		return r.register(ctx, fed, md)
	})
	if err != nil {
		return Namespace{}, err
	}
	ns := v.(Namespace)
	r.prefixes.Set(CacheKey(addr), ns.Prefix)
	if shared {
		r.logger.Debug(ctx, "joined in-flight namespace registration",
			adapters.Field{Key: "namespace", Value: ns.Prefix})
	}

	r.logger.Info(ctx, "namespace resolved",
		adapters.Field{Key: "federation", Value: fed.Hostname},
		adapters.Field{Key: "path", Value: addr.ObjectPath},
		adapters.Field{Key: "namespace", Value: ns.Prefix},
		adapters.Field{Key: "issuer", Value: ns.Issuer},
		adapters.Field{Key: "duration", Value: time.Since(start).String()})
	return ns, nil
}

// register builds and publishes the namespace md describes. A namespace
// already registered under the prefix keeps its client and token.
func (r *Resolver) register(ctx context.Context, fed *Federation, md DirectorMetadata) (Namespace, error) {
	if ns, ok := fed.Namespace(md.Namespace); ok {
		return ns, nil
	}

	ns := Namespace{
		Prefix:        md.Namespace,
		RequireToken:  md.RequireToken,
		CollectionURL: md.CollectionURL,
		Issuer:        md.Issuer,
	}

	if md.Issuer != "" {
		oidc, err := FetchOpenIDConfiguration(ctx, r.client, md.Issuer)
		if err != nil {
			return Namespace{}, fmt.Errorf("issuer %s: %w", md.Issuer, err)
		}
		ns.OIDCConfiguration = oidc

		reg := NewClientRegistration(r.redirectURL, r.clientName, r.scope)
		creds, err := RegisterClient(ctx, r.client, oidc.RegistrationEndpoint, reg)
		if err != nil {
			return Namespace{}, fmt.Errorf("client registration: %w", err)
		}
		ns.ClientID = creds.ClientID
		ns.ClientSecret = creds.ClientSecret
	} else if md.RequireToken {
		return Namespace{}, fmt.Errorf("%w: namespace %s requires a token but advertises no issuer",
			common.ErrMalformedResponse, md.Namespace)
	}

	fed.AddNamespace(ns)
	return ns, nil
}

// Prefixes returns the resolution-key to namespace-prefix map, for persistence.
func (r *Resolver) Prefixes() map[string]string {
	out := map[string]string{}
	for k, e := range r.prefixes.Snapshot() {
		out[k] = e.Value
	}
	return out
}

// RestorePrefixes merges a persisted prefix map.
func (r *Resolver) RestorePrefixes(m map[string]string) {
	for k, v := range m {
		r.prefixes.Set(k, v)
	}
}
