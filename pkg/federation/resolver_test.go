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

package federation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-pelican/pkg/address"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/federation"
	"github.com/jeremyhahn/go-pelican/pkg/fedtest"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

func setup(t *testing.T, namespaces ...fedtest.Namespace) (*fedtest.Server, *federation.Registry, *federation.Resolver) {
	t.Helper()
	srv := fedtest.New(namespaces...)
	t.Cleanup(srv.Close)
	reg := federation.NewRegistry(srv.Client(), nil)
	res := federation.NewResolver(federation.ResolverConfig{
		HTTPClient:  srv.Client(),
		RedirectURL: "http://127.0.0.1:8400/callback",
		ClientName:  "go-pelican-test",
	})
	return srv, reg, res
}

func TestRegistryGet(t *testing.T) {
	srv, reg, _ := setup(t, fedtest.Namespace{Prefix: "/ns"})
	ctx := context.Background()

	f, err := reg.Get(ctx, srv.Hostname)
	require.NoError(t, err)
	assert.Equal(t, srv.Hostname, f.Hostname)
	assert.Equal(t, srv.DirectorURL(), f.Configuration.DirectorEndpoint)
	assert.Empty(t, f.Namespaces())

	again, err := reg.Get(ctx, srv.Hostname)
	require.NoError(t, err)
	assert.Same(t, f, again)
	assert.EqualValues(t, 1, srv.Counters.WellKnown.Load())

	cached, ok := reg.Lookup(srv.Hostname)
	assert.True(t, ok)
	assert.Same(t, f, cached)
}

func TestRegistryGetConcurrent(t *testing.T) {
	srv, reg, _ := setup(t, fedtest.Namespace{Prefix: "/ns"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Get(context.Background(), srv.Hostname)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, srv.Counters.WellKnown.Load())
}

func TestRegistryGetFailureNotCached(t *testing.T) {
	srv, reg, _ := setup(t, fedtest.Namespace{Prefix: "/ns"})
	srv.FailWellKnown.Store(true)

	_, err := reg.Get(context.Background(), srv.Hostname)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDiscovery)
	assert.Equal(t, 503, common.StatusCode(err))

	_, ok := reg.Lookup(srv.Hostname)
	assert.False(t, ok)

	srv.FailWellKnown.Store(false)
	_, err = reg.Get(context.Background(), srv.Hostname)
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.Counters.WellKnown.Load())
}

func TestRegistryUnreachable(t *testing.T) {
	reg := federation.NewRegistry(nil, nil)
	_, err := reg.Get(context.Background(), "127.0.0.1:1")
	assert.ErrorIs(t, err, common.ErrDiscovery)
	assert.ErrorIs(t, err, common.ErrTransport)
}

func TestResolve(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	ctx := context.Background()
	fed, err := reg.Get(ctx, srv.Hostname)
	require.NoError(t, err)

	addr := address.MustParse(srv.ObjectURL("/ns/dir/file.txt"))
	ns, err := res.Resolve(ctx, addr, fed)
	require.NoError(t, err)

	assert.Equal(t, "/ns", ns.Prefix)
	assert.True(t, ns.RequireToken)
	assert.Equal(t, srv.IssuerURL(), ns.Issuer)
	assert.Equal(t, srv.IssuerURL()+"/authorize", ns.OIDCConfiguration.AuthorizationEndpoint)
	assert.Equal(t, srv.IssuerURL()+"/token", ns.OIDCConfiguration.TokenEndpoint)
	assert.NotEmpty(t, ns.ClientID)
	assert.NotEmpty(t, ns.ClientSecret)
	assert.Nil(t, ns.Token)

	stored, ok := fed.Namespace("/ns")
	require.True(t, ok)
	assert.Equal(t, ns, stored)

	regs := srv.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "go-pelican-test", regs[0]["client_name"])
	assert.Equal(t, "client_secret_post", regs[0]["token_endpoint_auth_method"])
	assert.Equal(t, []any{"http://127.0.0.1:8400/callback"}, regs[0]["redirect_uris"])

	// Cache hit: no further traffic.
	again, err := res.Resolve(ctx, addr, fed)
	require.NoError(t, err)
	assert.Equal(t, ns, again)
	assert.EqualValues(t, 1, srv.Counters.Probe.Load())
	assert.EqualValues(t, 1, srv.Counters.OpenID.Load())
	assert.EqualValues(t, 1, srv.Counters.Register.Load())

	cached, ok := res.Cached(addr, fed)
	assert.True(t, ok)
	assert.Equal(t, ns, cached)
	assert.Equal(t, map[string]string{federation.CacheKey(addr): "/ns"}, res.Prefixes())
}

func TestResolveConcurrentDeduplicates(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	srv.SetProbeDelay(100 * time.Millisecond)
	fed, err := reg.Get(context.Background(), srv.Hostname)
	require.NoError(t, err)

	addr := address.MustParse(srv.ObjectURL("/ns/dir/"))
	const n = 50
	results := make([]federation.Namespace, n)
	errs := make([]error, n)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = res.Resolve(context.Background(), addr, fed)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ClientID, results[i].ClientID)
	}
	assert.EqualValues(t, 1, srv.Counters.Probe.Load())
	assert.EqualValues(t, 1, srv.Counters.OpenID.Load())
	assert.EqualValues(t, 1, srv.Counters.Register.Load())
}

func TestResolveReusesKnownNamespace(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	ctx := context.Background()
	fed, err := reg.Get(ctx, srv.Hostname)
	require.NoError(t, err)

	first, err := res.Resolve(ctx, address.MustParse(srv.ObjectURL("/ns/a")), fed)
	require.NoError(t, err)
	second, err := res.Resolve(ctx, address.MustParse(srv.ObjectURL("/ns/b")), fed)
	require.NoError(t, err)

	assert.Equal(t, first.ClientID, second.ClientID)
	assert.EqualValues(t, 2, srv.Counters.Probe.Load())
	assert.EqualValues(t, 1, srv.Counters.Register.Load())
}

func TestResolveSiblingPathsRegisterOnce(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	srv.SetProbeDelay(100 * time.Millisecond)
	fed, err := reg.Get(context.Background(), srv.Hostname)
	require.NoError(t, err)

	paths := []string{"/ns/a/", "/ns/b/"}
	results := make([]federation.Namespace, len(paths))
	errs := make([]error, len(paths))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			<-start
			results[i], errs[i] = res.Resolve(context.Background(), address.MustParse(srv.ObjectURL(p)), fed)
		}(i, p)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 2, srv.Counters.Probe.Load())
	assert.EqualValues(t, 1, srv.Counters.Register.Load())
	assert.Equal(t, results[0].ClientID, results[1].ClientID)

	stored, ok := fed.Namespace("/ns")
	require.True(t, ok)
	assert.Equal(t, stored.ClientID, results[0].ClientID)
	assert.Len(t, res.Prefixes(), 2)
}

func TestResolvePublicNamespace(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/public", Public: true})
	ctx := context.Background()
	fed, err := reg.Get(ctx, srv.Hostname)
	require.NoError(t, err)

	ns, err := res.Resolve(ctx, address.MustParse(srv.ObjectURL("/public/file")), fed)
	require.NoError(t, err)
	assert.Equal(t, "/public", ns.Prefix)
	assert.False(t, ns.RequireToken)
	assert.Empty(t, ns.ClientID)
	assert.Zero(t, srv.Counters.OpenID.Load())
	assert.Zero(t, srv.Counters.Register.Load())
}

func TestResolveFailureClearsInFlight(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	ctx := context.Background()
	fed, err := reg.Get(ctx, srv.Hostname)
	require.NoError(t, err)
	addr := address.MustParse(srv.ObjectURL("/ns/file"))

	srv.FailRegistration.Store(true)
	_, err = res.Resolve(ctx, addr, fed)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNamespaceResolution)
	assert.ErrorIs(t, err, common.ErrTransport)
	assert.Equal(t, 400, common.StatusCode(err))
	_, ok := fed.Namespace("/ns")
	assert.False(t, ok, "failed resolution publishes nothing")

	srv.FailRegistration.Store(false)
	ns, err := res.Resolve(ctx, addr, fed)
	require.NoError(t, err)
	assert.NotEmpty(t, ns.ClientID)
	assert.EqualValues(t, 2, srv.Counters.Probe.Load())
}

func TestResolveUnknownPath(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/ns"})
	ctx := context.Background()
	fed, err := reg.Get(ctx, srv.Hostname)
	require.NoError(t, err)

	_, err = res.Resolve(ctx, address.MustParse(srv.ObjectURL("/elsewhere/file")), fed)
	assert.ErrorIs(t, err, common.ErrNamespaceResolution)
	assert.Equal(t, 404, common.StatusCode(err))
}

func TestResolveAbandonedCallerDoesNotStrandInFlight(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	fed, err := reg.Get(context.Background(), srv.Hostname)
	require.NoError(t, err)
	srv.SetProbeDelay(150 * time.Millisecond)
	addr := address.MustParse(srv.ObjectURL("/ns/slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = res.Resolve(ctx, addr, fed)
	assert.ErrorIs(t, err, common.ErrNamespaceResolution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The detached resolution still finishes and publishes its result.
	assert.Eventually(t, func() bool {
		_, ok := res.Cached(addr, fed)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, err = res.Resolve(context.Background(), addr, fed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.Counters.Probe.Load())
}

func TestRegistrySetToken(t *testing.T) {
	srv, reg, res := setup(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	ctx := context.Background()
	fed, err := reg.Get(ctx, srv.Hostname)
	require.NoError(t, err)
	_, err = res.Resolve(ctx, address.MustParse(srv.ObjectURL("/ns/file")), fed)
	require.NoError(t, err)

	_, ok := reg.Namespace(srv.Hostname, "/ns")
	require.True(t, ok)

	snap := reg.Snapshot()
	restored := federation.NewRegistry(nil, nil)
	restored.Restore(snap)
	f, ok := restored.Lookup(srv.Hostname)
	require.True(t, ok)
	assert.Len(t, f.Namespaces(), 1)

	assert.ErrorIs(t, restored.SetToken("unknown.example", "/ns", tokenValue("x")), common.ErrFlowConfiguration)
	require.NoError(t, restored.SetToken(srv.Hostname, "/ns", tokenValue("abc")))
	ns, _ := restored.Namespace(srv.Hostname, "/ns")
	assert.Equal(t, "abc", ns.Token.Value)
}

func tokenValue(v string) token.Token {
	return token.Token{Value: v}
}
