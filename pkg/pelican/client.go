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

// Package pelican is the client for Pelican federations. A Client owns all
// session state (federations, the path to namespace map, the listing cache
// and the pending login) and threads it through discovery, authorization
// and storage.
//
//	c, err := pelican.New(ctx, pelican.Config{RedirectURL: "http://127.0.0.1:8400/callback"})
//	entries, err := c.List(ctx, "pelican://osg-htc.org/ospool/ap40/data/")
//	if errors.Is(err, common.ErrUnauthenticated) {
//		redirect, _, err := c.StartLogin(ctx, "pelican://osg-htc.org/ospool/ap40/data/", pelican.OperationList)
//		// send the user to redirect.URL, then on the callback:
//		tok, queued, err := c.CompleteLogin(ctx, code, state)
//	}
package pelican

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
	"github.com/jeremyhahn/go-pelican/pkg/address"
	"github.com/jeremyhahn/go-pelican/pkg/audit"
	"github.com/jeremyhahn/go-pelican/pkg/authflow"
	"github.com/jeremyhahn/go-pelican/pkg/cache"
	"github.com/jeremyhahn/go-pelican/pkg/federation"
	"github.com/jeremyhahn/go-pelican/pkg/session"
	"github.com/jeremyhahn/go-pelican/pkg/storage"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

// Config configures a Client. Zero fields take defaults.
type Config struct {
	HTTPClient *http.Client
	Logger     adapters.Logger

	// Audit receives one event per storage request and login transition.
	Audit audit.Logger

	// Store persists session state. Defaults to a session.MemoryStore owned
	// by the client.
	Store session.Store

	// RedirectURL is the OAuth redirect URI registered for new namespaces.
	RedirectURL string

	// Scopes requested at authorization. Defaults to authflow.DefaultScopes.
	Scopes []string

	// ClientName is sent at dynamic client registration.
	ClientName string

	// ListingTTL is how long a collection listing is served from cache.
	// Defaults to cache.DefaultListingTTL.
	ListingTTL time.Duration

	Now func() time.Time
}

// Target is a resolved object address together with what is needed to
// act on it.
type Target struct {
	Address    address.ObjectAddress
	Federation *federation.Federation
	Namespace  federation.Namespace

	// Token is the namespace token if it is still valid, nil otherwise.
	Token *token.Token
}

// Client is a Pelican session. It is safe for concurrent use.
type Client struct {
	logger    adapters.Logger
	audit     audit.Logger
	store     session.Store
	ownsStore bool
	now       func() time.Time
	registry  *federation.Registry
	resolver  *federation.Resolver
	storage   *storage.Operations
	flow      *authflow.Controller
	listings  *cache.Cache[[]storage.Entry]
	loginMu   sync.Mutex
	persistMu sync.Mutex
}

// New creates a Client and loads any state persisted in cfg.Store.
// Expired tokens found in the session are dropped.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	cfg.Logger = adapters.OrNoOp(cfg.Logger)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ListingTTL <= 0 {
		cfg.ListingTTL = cache.DefaultListingTTL
	}
	owns := false
	if cfg.Store == nil {
		cfg.Store = session.NewMemoryStore()
		owns = true
	}

	registry := federation.NewRegistry(cfg.HTTPClient, cfg.Logger)
	c := &Client{
		logger:    cfg.Logger,
		audit:     audit.OrNoOp(cfg.Audit),
		store:     cfg.Store,
		ownsStore: owns,
		now:       cfg.Now,
		registry:  registry,
		resolver: federation.NewResolver(federation.ResolverConfig{
			HTTPClient:  cfg.HTTPClient,
			Logger:      cfg.Logger,
			RedirectURL: cfg.RedirectURL,
			ClientName:  cfg.ClientName,
		}),
		storage: storage.New(cfg.HTTPClient, cfg.Logger),
		flow: authflow.NewController(registry, authflow.Config{
			HTTPClient:  cfg.HTTPClient,
			Logger:      cfg.Logger,
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
			Now:         cfg.Now,
		}),
		listings: cache.New[[]storage.Entry](cfg.ListingTTL, cache.WithClock[[]storage.Entry](cfg.Now)),
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) load(ctx context.Context) error {
	feds := map[string]*federation.Federation{}
	if _, err := session.Load(ctx, c.store, session.KeyFederations, &feds); err != nil {
		return fmt.Errorf("load federations: %w", err)
	}
	c.registry.Restore(feds)

	prefixes := map[string]string{}
	if _, err := session.Load(ctx, c.store, session.KeyPrefixMap, &prefixes); err != nil {
		return fmt.Errorf("load namespace map: %w", err)
	}
	c.resolver.RestorePrefixes(prefixes)

	if n := c.registry.ClearExpiredTokens(c.now()); n > 0 {
		c.logger.Info(ctx, "dropped expired tokens", adapters.Field{Key: "count", Value: n})
	}
	return nil
}

// Save persists the federation registry and the namespace map.
func (c *Client) Save(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := session.Save(ctx, c.store, session.KeyFederations, c.registry.Snapshot()); err != nil {
		return err
	}
	return session.Save(ctx, c.store, session.KeyPrefixMap, c.resolver.Prefixes())
}

// Close releases the session store if the client created it.
func (c *Client) Close() error {
	if c.ownsStore {
		return c.store.Close()
	}
	return nil
}

// Registry exposes the federation registry.
func (c *Client) Registry() *federation.Registry {
	return c.registry
}

// EnsureMetadata resolves objectURL to its federation and namespace,
// running discovery and client registration on first use.
func (c *Client) EnsureMetadata(ctx context.Context, objectURL string) (Target, error) {
	addr, err := address.Parse(objectURL)
	if err != nil {
		return Target{}, err
	}
	return c.ensure(ctx, addr)
}

func (c *Client) ensure(ctx context.Context, addr address.ObjectAddress) (Target, error) {
	fed, err := c.registry.Get(ctx, addr.FederationHostname)
	if err != nil {
		return Target{}, err
	}
	ns, err := c.resolver.Resolve(ctx, addr, fed)
	if err != nil {
		return Target{}, err
	}
	return Target{Address: addr, Federation: fed, Namespace: ns, Token: ns.UsableToken(c.now())}, nil
}

// List returns the listing of the collection at collectionURL, from cache
// when fresh. Failed listings are never cached.
func (c *Client) List(ctx context.Context, collectionURL string) ([]storage.Entry, error) {
	addr, err := address.Parse(collectionURL)
	if err != nil {
		return nil, err
	}
	key := listingKey(addr)
	if entries, ok := c.listings.Get(key); ok {
		c.logger.Debug(ctx, "listing cache hit", adapters.Field{Key: "key", Value: key})
		return append([]storage.Entry(nil), entries...), nil
	}

	t, err := c.ensure(ctx, addr)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	entries, err := c.storage.List(ctx, addr, t.Federation, t.Token)
	c.record(ctx, audit.EventObjectListed, addr, 0, start, err)
	if err != nil {
		return nil, err
	}
	c.listings.Set(key, entries)
	return append([]storage.Entry(nil), entries...), nil
}

// Get downloads objectURL. The caller must close the result body.
func (c *Client) Get(ctx context.Context, objectURL string) (*storage.GetResult, error) {
	addr, err := address.Parse(objectURL)
	if err != nil {
		return nil, err
	}
	t, err := c.ensure(ctx, addr)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := c.storage.Get(ctx, addr, t.Federation, t.Token)
	var size int64
	if res != nil && res.ContentLength > 0 {
		size = res.ContentLength
	}
	c.record(ctx, audit.EventObjectAccessed, addr, size, start, err)
	return res, err
}

// Put uploads body to objectURL. Cached listings are left alone; call
// InvalidateListing for the parent collection, or use Upload.
func (c *Client) Put(ctx context.Context, objectURL string, body io.Reader, opts storage.PutOptions) error {
	addr, err := address.Parse(objectURL)
	if err != nil {
		return err
	}
	t, err := c.ensure(ctx, addr)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.storage.Put(ctx, addr, t.Federation, t.Token, body, opts)
	c.record(ctx, audit.EventObjectCreated, addr, opts.ContentLength, start, err)
	return err
}

// record writes an audit event. A failing audit sink does not fail the
// operation.
func (c *Client) record(ctx context.Context, event audit.EventType, addr address.ObjectAddress, size int64, start time.Time, opErr error) {
	if err := c.audit.LogStorage(ctx, event, addr.String(), size, time.Since(start), opErr); err != nil {
		c.logger.Warn(ctx, "audit write failed", adapters.Field{Key: "error", Value: err.Error()})
	}
}

// Upload puts body as name inside the collection at collectionURL and
// invalidates that collection's cached listing.
func (c *Client) Upload(ctx context.Context, collectionURL, name string, body io.Reader, opts storage.PutOptions) (address.ObjectAddress, error) {
	collection, err := address.Parse(collectionURL)
	if err != nil {
		return address.ObjectAddress{}, err
	}
	name = strings.Trim(name, "/")
	if err := address.ValidateName(name); err != nil {
		return address.ObjectAddress{}, fmt.Errorf("upload into %s: %w", collection, err)
	}
	target := collection.Join(name)
	if err := c.Put(ctx, target.String(), body, opts); err != nil {
		return address.ObjectAddress{}, err
	}
	c.invalidate(collection)
	return target, nil
}

// InvalidateListing drops the cached listing of the collection at
// collectionURL.
func (c *Client) InvalidateListing(collectionURL string) error {
	addr, err := address.Parse(collectionURL)
	if err != nil {
		return err
	}
	c.invalidate(addr)
	return nil
}

func (c *Client) invalidate(addr address.ObjectAddress) {
	c.listings.Delete(listingKey(addr))
}

// listingKey ignores a trailing slash so /ns/dir and /ns/dir/ share an entry.
func listingKey(addr address.ObjectAddress) string {
	return addr.FederationHostname + ":" + strings.TrimRight(addr.ObjectPath, "/") + "/"
}

// Collections returns the collections granted by the token of the
// namespace owning objectURL. It is best effort: any failure yields nil.
func (c *Client) Collections(ctx context.Context, objectURL string) []token.Collection {
	ns, ok := c.namespaceFor(ctx, objectURL)
	if !ok {
		return nil
	}
	return token.DeriveCollections(ns.UsableToken(c.now()), ns.Prefix)
}

// Permissions returns what the current token allows on objectURL. It is
// best effort: any failure yields nil.
func (c *Client) Permissions(ctx context.Context, objectURL string) []token.Permission {
	addr, err := address.Parse(objectURL)
	if err != nil {
		return nil
	}
	ns, ok := c.namespaceFor(ctx, objectURL)
	if !ok {
		return nil
	}
	return token.PermissionsFor(addr.ObjectPath, ns.Prefix, ns.Token, c.now())
}

// namespaceFor prefers state already held (the exact path mapping, then
// the best matching known namespace) and resolves over the network only
// when neither exists.
func (c *Client) namespaceFor(ctx context.Context, objectURL string) (federation.Namespace, bool) {
	addr, err := address.Parse(objectURL)
	if err != nil {
		return federation.Namespace{}, false
	}
	if fed, ok := c.registry.Lookup(addr.FederationHostname); ok {
		if ns, ok := c.resolver.Cached(addr, fed); ok {
			return ns, true
		}
		if ns, err := fed.MatchNamespace(addr.ObjectPath); err == nil {
			return ns, true
		}
	}
	t, err := c.ensure(ctx, addr)
	if err != nil {
		c.logger.Debug(ctx, "permission lookup failed",
			adapters.Field{Key: "address", Value: objectURL},
			adapters.Field{Key: "error", Value: err.Error()})
		return federation.Namespace{}, false
	}
	return t.Namespace, true
}
