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

// Package federation discovers federations and the namespaces inside them.
package federation

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
	"github.com/jeremyhahn/go-pelican/pkg/cache"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

// Registry caches federations by hostname. Federation metadata never
// expires; it is trusted for the life of the registry.
type Registry struct {
	client      *http.Client
	logger      adapters.Logger
	federations *cache.Cache[*Federation]
	inflight    singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(client *http.Client, logger adapters.Logger) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = adapters.NewNoOpLogger()
	}
	return &Registry{
		client:      client,
		logger:      logger,
		federations: cache.New[*Federation](0),
	}
}

// Get returns the cached federation for hostname, fetching its discovery
// document on first use. Concurrent first calls share one request. A failed
// fetch is not cached and not retried.
func (r *Registry) Get(ctx context.Context, hostname string) (*Federation, error) {
	if f, ok := r.federations.Get(hostname); ok {
		return f, nil
	}

	ch := r.inflight.DoChan(hostname, func() (any, error) {
		if f, ok := r.federations.Get(hostname); ok {
			return f, nil
		}
		start := time.Now()
		cfg, err := FetchConfiguration(context.WithoutCancel(ctx), r.client, hostname)
		if err != nil {
			return nil, err
		}
		f := New(hostname, cfg)
		r.federations.Set(hostname, f)
		r.logger.Debug(ctx, "federation discovered",
			adapters.Field{Key: "federation", Value: hostname},
			adapters.Field{Key: "director", Value: cfg.DirectorEndpoint},
			adapters.Field{Key: "duration", Value: time.Since(start).String()})
		return f, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("federation %s: %w", hostname, res.Err)
		}
		return res.Val.(*Federation), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: federation %s: %w", common.ErrDiscovery, hostname, ctx.Err())
	}
}

// Lookup returns a cached federation without fetching.
func (r *Registry) Lookup(hostname string) (*Federation, bool) {
	return r.federations.Get(hostname)
}

// Add publishes a federation, replacing any cached one with the same hostname.
func (r *Registry) Add(f *Federation) {
	r.federations.Set(f.Hostname, f)
}

// Namespace returns the namespace at prefix in a cached federation.
func (r *Registry) Namespace(hostname, prefix string) (Namespace, bool) {
	f, ok := r.federations.Get(hostname)
	if !ok {
		return Namespace{}, false
	}
	return f.Namespace(prefix)
}

// SetToken stores tok on the namespace at prefix.
func (r *Registry) SetToken(hostname, prefix string, tok token.Token) error {
	f, ok := r.federations.Get(hostname)
	if !ok {
		return fmt.Errorf("%w: unknown federation %s", common.ErrFlowConfiguration, hostname)
	}
	return f.SetToken(prefix, tok)
}

// ClearExpiredTokens drops expired tokens across all federations.
func (r *Registry) ClearExpiredTokens(now time.Time) int {
	n := 0
	for _, f := range r.Federations() {
		n += f.ClearExpiredTokens(now)
	}
	return n
}

// Federations returns every cached federation sorted by hostname.
func (r *Registry) Federations() []*Federation {
	snap := r.federations.Snapshot()
	out := make([]*Federation, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.Value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Snapshot returns the federations keyed by hostname, for persistence.
func (r *Registry) Snapshot() map[string]*Federation {
	out := map[string]*Federation{}
	for _, f := range r.Federations() {
		out[f.Hostname] = f
	}
	return out
}

// Restore adds previously persisted federations.
func (r *Registry) Restore(feds map[string]*Federation) {
	for host, f := range feds {
		if f == nil {
			continue
		}
		f.Hostname = host
		r.federations.Set(host, f)
	}
}
