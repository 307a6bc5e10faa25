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
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-pelican/pkg/audit"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/federation"
	"github.com/jeremyhahn/go-pelican/pkg/fedtest"
	"github.com/jeremyhahn/go-pelican/pkg/session"
	"github.com/jeremyhahn/go-pelican/pkg/storage"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

const redirectURL = "http://127.0.0.1:8400/callback"

func newClient(t *testing.T, srv *fedtest.Server, store session.Store) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		HTTPClient:  srv.Client(),
		Store:       store,
		RedirectURL: redirectURL,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newFederation(t *testing.T, namespaces ...fedtest.Namespace) *fedtest.Server {
	t.Helper()
	srv := fedtest.New(namespaces...)
	t.Cleanup(srv.Close)
	return srv
}

// grant stores a token carrying scope on the namespace owning objectURL.
func grant(t *testing.T, c *Client, srv *fedtest.Server, objectURL, scope string) {
	t.Helper()
	target, err := c.EnsureMetadata(context.Background(), objectURL)
	require.NoError(t, err)
	tok, err := token.FromAccessToken(srv.MintToken("alice", scope, time.Hour), "", 0, time.Now())
	require.NoError(t, err)
	require.NoError(t, c.Registry().SetToken(srv.Hostname, target.Namespace.Prefix, tok))
}

// consent plays the browser: it follows the authorization URL and returns
// the callback URL the issuer redirects to.
func consent(t *testing.T, srv *fedtest.Server, authURL string) string {
	t.Helper()
	client := *srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	return resp.Header.Get("Location")
}

func hrefs(entries []storage.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Href
	}
	return out
}

func TestListUnauthenticatedIsNotCached(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	srv.PutObject("/ns/dir/a.txt", []byte("a"))
	c := newClient(t, srv, nil)
	dir := srv.ObjectURL("/ns/dir/")

	_, err := c.List(context.Background(), dir)
	require.ErrorIs(t, err, common.ErrUnauthenticated)
	assert.Zero(t, c.listings.Len())

	_, err = c.List(context.Background(), dir)
	require.ErrorIs(t, err, common.ErrUnauthenticated)
	assert.EqualValues(t, 2, srv.Counters.Propfind.Load(), "failures are not served from cache")
	assert.EqualValues(t, 1, srv.Counters.Probe.Load(), "namespace resolved once")
}

func TestListUnauthorizedWithToken(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	srv.PutObject("/ns/dir/a.txt", []byte("a"))
	c := newClient(t, srv, nil)
	grant(t, c, srv, srv.ObjectURL("/ns/dir/"), "storage.read:/other")

	_, err := c.List(context.Background(), srv.ObjectURL("/ns/dir/"))
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestPutThenListAfterInvalidation(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns"})
	srv.PutObject("/ns/dir/old.txt", []byte("old"))
	c := newClient(t, srv, nil)
	ctx := context.Background()
	dir := srv.ObjectURL("/ns/dir/")
	grant(t, c, srv, dir, "storage.read:/ storage.create:/ storage.modify:/")

	before, err := c.List(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ns", "/ns/dir/old.txt"}, hrefs(before))

	require.NoError(t, c.Put(ctx, srv.ObjectURL("/ns/dir/file.txt"), strings.NewReader("new"), storage.PutOptions{}))

	cached, err := c.List(ctx, srv.ObjectURL("/ns/dir"))
	require.NoError(t, err)
	assert.Equal(t, hrefs(before), hrefs(cached), "put leaves invalidation to the caller")
	assert.EqualValues(t, 1, srv.Counters.Propfind.Load())

	require.NoError(t, c.InvalidateListing(dir))
	after, err := c.List(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ns", "/ns/dir/old.txt", "/ns/dir/file.txt"}, hrefs(after))
	assert.EqualValues(t, 2, srv.Counters.Propfind.Load())
}

func TestUploadInvalidatesParentListing(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns"})
	srv.PutObject("/ns/dir/old.txt", []byte("old"))
	c := newClient(t, srv, nil)
	ctx := context.Background()
	dir := srv.ObjectURL("/ns/dir/")
	grant(t, c, srv, dir, "storage.read:/ storage.create:/")

	_, err := c.List(ctx, dir)
	require.NoError(t, err)

	addr, err := c.Upload(ctx, dir, "up.bin", strings.NewReader("payload"), storage.PutOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err)
	assert.Equal(t, "/ns/dir/up.bin", addr.ObjectPath)
	data, ok := srv.Object("/ns/dir/up.bin")
	require.True(t, ok)
	assert.Equal(t, "payload", string(data))

	entries, err := c.List(ctx, dir)
	require.NoError(t, err)
	assert.Contains(t, hrefs(entries), "/ns/dir/up.bin")

	_, err = c.Upload(ctx, dir, "/", strings.NewReader(""), storage.PutOptions{})
	assert.ErrorIs(t, err, common.ErrParse)
	_, err = c.Upload(ctx, dir, "..", strings.NewReader(""), storage.PutOptions{})
	assert.ErrorIs(t, err, common.ErrParse)
}

func TestListingTTL(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns"})
	srv.PutObject("/ns/a.txt", []byte("a"))

	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c, err := New(context.Background(), Config{HTTPClient: srv.Client(), ListingTTL: time.Minute, Now: clock})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.List(ctx, srv.ObjectURL("/ns/"))
	require.NoError(t, err)
	_, err = c.List(ctx, srv.ObjectURL("/ns/"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.Counters.Propfind.Load())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, err = c.List(ctx, srv.ObjectURL("/ns/"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.Counters.Propfind.Load())
}

func TestGet(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	srv.PutObject("/ns/data/report.csv", []byte("a,b\n1,2\n"))
	c := newClient(t, srv, nil)
	ctx := context.Background()
	obj := srv.ObjectURL("/ns/data/report.csv")

	_, err := c.Get(ctx, obj)
	require.ErrorIs(t, err, common.ErrUnauthenticated)

	grant(t, c, srv, obj, "storage.read:/data")
	res, err := c.Get(ctx, obj)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(body))
	assert.Equal(t, "report.csv", res.Filename)

	_, err = c.Get(ctx, "https://not-pelican/ns")
	assert.ErrorIs(t, err, common.ErrParse)
}

func TestLoginFlow(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	srv.PutObject("/ns/dir/a.txt", []byte("a"))
	store := session.NewMemoryStore()
	c := newClient(t, srv, store)
	ctx := context.Background()
	dir := srv.ObjectURL("/ns/dir/")

	_, err := c.List(ctx, dir)
	require.ErrorIs(t, err, common.ErrUnauthenticated)

	redirect, queued, err := c.StartLogin(ctx, dir, OperationList)
	require.NoError(t, err)
	assert.NotEmpty(t, queued.ID)
	assert.Equal(t, dir, queued.ObjectURL)
	assert.Equal(t, "/ns", queued.Namespace)
	assert.Equal(t, "/ns/dir/", queued.Path)
	assert.Equal(t, OperationList, queued.Type)

	var verifier string
	found, err := session.Load(ctx, store, session.KeyCodeVerifier, &verifier)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, redirect.Verifier, verifier)

	tok, resumed, err := c.CompleteLoginURL(ctx, consent(t, srv, redirect.URL))
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.Subject)
	require.NotNil(t, resumed)
	assert.Equal(t, queued.ID, resumed.ID)

	pending, err := c.QueuedRequest(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
	found, err = session.Load(ctx, store, session.KeyCodeVerifier, &verifier)
	require.NoError(t, err)
	assert.False(t, found, "verifier is single use")

	entries, err := c.List(ctx, resumed.ObjectURL)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ns", "/ns/dir/a.txt"}, hrefs(entries))

	assert.ElementsMatch(t,
		[]token.Permission{token.PermissionRead, token.PermissionCreate, token.PermissionModify},
		c.Permissions(ctx, srv.ObjectURL("/ns/dir/a.txt")))
}

func TestLoginCompletesInFreshSession(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	srv.PutObject("/ns/a.txt", []byte("a"))
	store, err := session.OpenBadgerInMemory(nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	first := newClient(t, srv, store)
	redirect, _, err := first.StartLogin(ctx, srv.ObjectURL("/ns/a.txt"), OperationGet)
	require.NoError(t, err)
	callback := consent(t, srv, redirect.URL)

	second := newClient(t, srv, store)
	_, queued, err := second.CompleteLoginURL(ctx, callback)
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, OperationGet, queued.Type)

	res, err := second.Get(ctx, queued.ObjectURL)
	require.NoError(t, err)
	_ = res.Body.Close()

	assert.EqualValues(t, 1, srv.Counters.WellKnown.Load(), "federation restored from the session")
	assert.EqualValues(t, 1, srv.Counters.Register.Load(), "client registration restored from the session")

	third := newClient(t, srv, store)
	target, err := third.EnsureMetadata(ctx, srv.ObjectURL("/ns/a.txt"))
	require.NoError(t, err)
	assert.NotNil(t, target.Token, "token persisted")
}

func TestCompleteLoginWithoutStart(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	c := newClient(t, srv, nil)
	_, _, err := c.CompleteLogin(context.Background(), "code", "namespace:/ns;federation:"+srv.Hostname)
	assert.ErrorIs(t, err, common.ErrFlowConfiguration)
}

func TestStartLoginPublicNamespace(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/public", Public: true})
	c := newClient(t, srv, nil)
	_, _, err := c.StartLogin(context.Background(), srv.ObjectURL("/public/a"), OperationGet)
	assert.ErrorIs(t, err, common.ErrFlowConfiguration)

	pending, err := c.QueuedRequest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestClearQueuedRequest(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	c := newClient(t, srv, nil)
	ctx := context.Background()
	_, _, err := c.StartLogin(ctx, srv.ObjectURL("/ns/x"), OperationPut)
	require.NoError(t, err)

	pending, err := c.QueuedRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, OperationPut, pending.Type)

	require.NoError(t, c.ClearQueuedRequest(ctx))
	pending, err = c.QueuedRequest(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestCollectionsAndPermissions(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	c := newClient(t, srv, nil)
	ctx := context.Background()
	grant(t, c, srv, srv.ObjectURL("/ns/a/b/c"), "storage.read:/ storage.create:/a/b storage.modify:/a/b")

	assert.Equal(t, []token.Collection{
		{Href: "/", ObjectPath: "/", Permissions: []token.Permission{token.PermissionRead}},
		{Href: "/a/b", ObjectPath: "/a/b", Permissions: []token.Permission{token.PermissionCreate, token.PermissionModify}},
	}, c.Collections(ctx, srv.ObjectURL("/ns/a/b/c")))

	assert.Equal(t, []token.Permission{token.PermissionCreate, token.PermissionModify},
		c.Permissions(ctx, srv.ObjectURL("/ns/a/b/c")))

	// Not yet mapped by path, but the known namespace matches.
	probes := srv.Counters.Probe.Load()
	assert.Equal(t, []token.Permission{token.PermissionRead}, c.Permissions(ctx, srv.ObjectURL("/ns/z")))
	assert.Equal(t, probes, srv.Counters.Probe.Load())

	assert.Nil(t, c.Permissions(ctx, "not an address"))
	assert.Nil(t, c.Collections(ctx, "pelican://127.0.0.1:1/ns/a"))
}

func TestNewDropsExpiredTokens(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()

	fed := federation.New("fed.example", federation.Configuration{DirectorEndpoint: "https://fed.example/director"})
	fed.AddNamespace(federation.Namespace{
		Prefix: "/ns",
		Token:  &token.Token{Value: "old", ExpiresAt: time.Now().Add(-time.Minute).Unix()},
	})
	fed.AddNamespace(federation.Namespace{
		Prefix: "/keep",
		Token:  &token.Token{Value: "current", ExpiresAt: time.Now().Add(time.Hour).Unix()},
	})
	require.NoError(t, session.Save(ctx, store, session.KeyFederations, map[string]*federation.Federation{"fed.example": fed}))
	require.NoError(t, session.Save(ctx, store, session.KeyPrefixMap, map[string]string{"fed.example:/ns/a": "/ns"}))

	c, err := New(ctx, Config{Store: store})
	require.NoError(t, err)

	ns, ok := c.Registry().Namespace("fed.example", "/ns")
	require.True(t, ok)
	assert.Nil(t, ns.Token)
	keep, _ := c.Registry().Namespace("fed.example", "/keep")
	require.NotNil(t, keep.Token)
	assert.Equal(t, "current", keep.Token.Value)

	target, err := c.EnsureMetadata(ctx, "pelican://fed.example/ns/a")
	require.NoError(t, err, "restored mapping needs no network")
	assert.Equal(t, "/ns", target.Namespace.Prefix)
	assert.Nil(t, target.Token)
}

func TestNewRejectsCorruptSession(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	require.NoError(t, store.Set(ctx, session.KeyFederations, []byte("[")))
	_, err := New(ctx, Config{Store: store})
	assert.Error(t, err)
}

type recordedEvent struct {
	kind      audit.EventType
	target    string
	namespace string
	err       error
}

// recordingAudit keeps events in memory.
type recordingAudit struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingAudit) LogEvent(context.Context, *audit.Event) error { return nil }

func (r *recordingAudit) LogStorage(_ context.Context, e audit.EventType, objectURL string, _ int64, _ time.Duration, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: e, target: objectURL, err: err})
	return nil
}

func (r *recordingAudit) LogAuthorization(_ context.Context, e audit.EventType, _, namespace, _ string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: e, namespace: namespace, err: err})
	return nil
}

func (r *recordingAudit) kinds() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}

func TestAuditTrail(t *testing.T) {
	srv := newFederation(t, fedtest.Namespace{Prefix: "/ns", RequireToken: true})
	srv.PutObject("/ns/dir/a.txt", []byte("a"))
	rec := &recordingAudit{}
	c, err := New(context.Background(), Config{HTTPClient: srv.Client(), RedirectURL: redirectURL, Audit: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()
	dir := srv.ObjectURL("/ns/dir/")

	_, err = c.List(ctx, dir)
	require.ErrorIs(t, err, common.ErrUnauthenticated)

	redirect, _, err := c.StartLogin(ctx, dir, OperationList)
	require.NoError(t, err)
	_, _, err = c.CompleteLoginURL(ctx, consent(t, srv, redirect.URL))
	require.NoError(t, err)

	_, err = c.List(ctx, dir)
	require.NoError(t, err)
	_, err = c.List(ctx, dir)
	require.NoError(t, err)

	res, err := c.Get(ctx, srv.ObjectURL("/ns/dir/a.txt"))
	require.NoError(t, err)
	_ = res.Body.Close()
	require.NoError(t, c.Put(ctx, srv.ObjectURL("/ns/dir/b.txt"), strings.NewReader("b"), storage.PutOptions{}))

	assert.Equal(t, []audit.EventType{
		audit.EventObjectListed,
		audit.EventLoginStarted,
		audit.EventAuthSuccess,
		audit.EventObjectListed,
		audit.EventObjectAccessed,
		audit.EventObjectCreated,
	}, rec.kinds(), "cache hits are not audited")

	assert.ErrorIs(t, rec.events[0].err, common.ErrUnauthenticated)
	assert.Equal(t, dir, rec.events[0].target)
	assert.Equal(t, "/ns", rec.events[2].namespace)
}
