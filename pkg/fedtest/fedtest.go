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

// Package fedtest runs an in-process Pelican federation for tests.
//
// A single TLS server plays every role: the federation discovery endpoint,
// the director (namespace probe and WebDAV storage), and one OIDC issuer
// with dynamic client registration and a PKCE-checking token endpoint.
// Every endpoint counts its calls so tests can assert on network traffic.
package fedtest

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Namespace configures a namespace served by the fake director.
type Namespace struct {
	Prefix string

	// RequireToken makes reads require a bearer token.
	RequireToken bool

	// Public namespaces advertise no issuer.
	Public bool
}

// Counters records how often each endpoint was hit.
type Counters struct {
	WellKnown     atomic.Int64
	Probe         atomic.Int64
	OpenID        atomic.Int64
	Register      atomic.Int64
	Authorize     atomic.Int64
	Token         atomic.Int64
	Propfind      atomic.Int64
	Get           atomic.Int64
	Put           atomic.Int64
	StorageDenied atomic.Int64
}

type pendingCode struct {
	challenge string
	clientID  string
	scope     string
	subject   string
}

// Server is a fake federation.
type Server struct {
	*httptest.Server

	// Hostname is host:port, the federation hostname of object addresses.
	Hostname string

	Counters Counters

	// FailWellKnown, FailRegistration and FailToken force error responses.
	FailWellKnown    atomic.Bool
	FailRegistration atomic.Bool
	FailToken        atomic.Bool

	key []byte

	mu            sync.Mutex
	probeDelay    time.Duration
	tokenTTL      time.Duration
	defaultScope  string
	namespaces    []Namespace
	objects       map[string][]byte
	collections   map[string]bool
	clients       map[string]string
	codes         map[string]pendingCode
	registrations []map[string]any
	tokenForms    []map[string]string
	storageStatus map[string]int
}

// New starts a fake federation serving the given namespaces.
func New(namespaces ...Namespace) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		tokenTTL:      time.Hour,
		defaultScope:  "storage.read:/ storage.create:/ storage.modify:/",
		key:           []byte(uuid.NewString()),
		namespaces:    namespaces,
		objects:       map[string][]byte{},
		collections:   map[string]bool{"/": true},
		clients:       map[string]string{},
		codes:         map[string]pendingCode{},
		storageStatus: map[string]int{},
	}
	for _, ns := range namespaces {
		s.addCollections(strings.TrimRight(ns.Prefix, "/") + "/")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	s.routes(router)

	s.Server = httptest.NewTLSServer(router)
	s.Hostname = strings.TrimPrefix(s.URL, "https://")
	return s
}

// DirectorURL is the director endpoint advertised by discovery.
func (s *Server) DirectorURL() string { return s.URL + "/director" }

// IssuerURL is the issuer advertised for non-public namespaces.
func (s *Server) IssuerURL() string { return s.URL + "/issuer" }

// ObjectURL returns the pelican:// address of path.
func (s *Server) ObjectURL(path string) string { return "pelican://" + s.Hostname + path }

// SetProbeDelay holds every director probe for d, to widen race windows.
func (s *Server) SetProbeDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeDelay = d
}

// SetTokenTTL sets the lifetime of tokens from the token endpoint. Zero omits exp.
func (s *Server) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = d
}

// SetDefaultScope sets the scope granted when an authorization request names none.
func (s *Server) SetDefaultScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultScope = scope
}

// PutObject seeds an object and its parent collections.
func (s *Server) PutObject(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	s.addCollections(path[:strings.LastIndexByte(path, '/')+1])
}

// Object returns a stored object.
func (s *Server) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

// FailStorage makes storage requests for path answer status until cleared with 0.
func (s *Server) FailStorage(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.storageStatus, path)
		return
	}
	s.storageStatus[path] = status
}

// Registrations returns the bodies of every client registration request.
func (s *Server) Registrations() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.registrations...)
}

// TokenRequests returns the form fields of every token request.
func (s *Server) TokenRequests() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.tokenForms...)
}

// MintToken signs an access token for subject with scope.
func (s *Server) MintToken(subject, scope string, ttl time.Duration) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.IssuerURL(),
		"sub":   subject,
		"aud":   "https://wlcg.cern.ch/jwt/v1/any",
		"iat":   now.Unix(),
		"scope": scope,
		"jti":   uuid.NewString(),
	}
	if ttl != 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		panic(err)
	}
	return signed
}

// IssueCode registers an authorization code bound to a PKCE challenge,
// as the authorize endpoint would after user consent.
func (s *Server) IssueCode(clientID, challenge, scope string) string {
	code := uuid.NewString()
	s.mu.Lock()
	if scope == "" {
		scope = s.defaultScope
	}
	s.codes[code] = pendingCode{challenge: challenge, clientID: clientID, scope: scope, subject: "alice"}
	s.mu.Unlock()
	return code
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/.well-known/pelican-configuration", s.handleWellKnown)

	for _, method := range []string{http.MethodHead, "PROPFIND", http.MethodGet, http.MethodPut} {
		r.Handle(method, "/director/*path", s.handleDirector)
	}

	issuer := r.Group("/issuer")
	issuer.GET("/.well-known/openid-configuration", s.handleOpenID)
	issuer.POST("/register", s.handleRegister)
	issuer.GET("/authorize", s.handleAuthorize)
	issuer.POST("/token", s.handleToken)
}

func (s *Server) handleWellKnown(c *gin.Context) {
	s.Counters.WellKnown.Add(1)
	if s.FailWellKnown.Load() {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"director_endpoint":               s.DirectorURL(),
		"namespace_registration_endpoint": s.URL + "/registry",
		"jwks_uri":                        s.IssuerURL() + "/jwks",
	})
}

func (s *Server) handleOpenID(c *gin.Context) {
	s.Counters.OpenID.Add(1)
	c.JSON(http.StatusOK, gin.H{
		"issuer":                 s.IssuerURL(),
		"authorization_endpoint": s.IssuerURL() + "/authorize",
		"token_endpoint":         s.IssuerURL() + "/token",
		"registration_endpoint":  s.IssuerURL() + "/register",
		"jwks_uri":               s.IssuerURL() + "/jwks",
		"scopes_supported":       []string{"openid", "offline_access", "storage.read:/", "storage.create:/", "storage.modify:/"},
		"grant_types_supported":  []string{"authorization_code", "refresh_token"},
	})
}

func (s *Server) handleRegister(c *gin.Context) {
	s.Counters.Register.Add(1)
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_metadata"})
		return
	}
	if s.FailRegistration.Load() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_redirect_uri"})
		return
	}

	id, secret := uuid.NewString(), uuid.NewString()
	s.mu.Lock()
	s.clients[id] = secret
	s.registrations = append(s.registrations, body)
	s.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{"client_id": id, "client_secret": secret})
}

func (s *Server) handleAuthorize(c *gin.Context) {
	s.Counters.Authorize.Add(1)
	if c.Query("response_type") != "code" || c.Query("code_challenge_method") != "S256" {
		c.String(http.StatusBadRequest, "unsupported authorization request")
		return
	}
	redirect := c.Query("redirect_uri")
	if redirect == "" {
		c.String(http.StatusBadRequest, "missing redirect_uri")
		return
	}
	code := s.IssueCode(c.Query("client_id"), c.Query("code_challenge"), c.Query("scope"))

	u, err := url.Parse(redirect)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid redirect_uri")
		return
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", c.Query("state"))
	u.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, u.String())
}

func (s *Server) handleToken(c *gin.Context) {
	s.Counters.Token.Add(1)
	form := map[string]string{}
	for _, k := range []string{"grant_type", "code", "redirect_uri", "code_verifier", "client_id", "client_secret"} {
		form[k] = c.PostForm(k)
	}
	s.mu.Lock()
	s.tokenForms = append(s.tokenForms, form)
	pending, ok := s.codes[form["code"]]
	delete(s.codes, form["code"])
	secret, known := s.clients[form["client_id"]]
	ttl := s.tokenTTL
	s.mu.Unlock()

	switch {
	case s.FailToken.Load():
		c.JSON(http.StatusBadRequest, gin.H{"error": "server_error"})
	case form["grant_type"] != "authorization_code":
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
	case !known || secret != form["client_secret"] || (pending.clientID != "" && pending.clientID != form["client_id"]):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
	case !ok || challengeOf(form["code_verifier"]) != pending.challenge:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"access_token":  s.MintToken(pending.subject, pending.scope, ttl),
			"token_type":    "Bearer",
			"refresh_token": uuid.NewString(),
			"expires_in":    int(ttl.Seconds()),
			"scope":         pending.scope,
			"id_token":      s.MintToken(pending.subject, "", ttl),
		})
	}
}

func (s *Server) handleDirector(c *gin.Context) {
	path := c.Param("path")
	ns, ok := s.namespaceFor(path)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	if c.Request.Method == http.MethodHead {
		s.Counters.Probe.Add(1)
		s.mu.Lock()
		delay := s.probeDelay
		s.mu.Unlock()
		time.Sleep(delay)
		s.writeNamespaceHeaders(c, ns)
		c.Status(http.StatusOK)
		return
	}

	s.mu.Lock()
	forced := s.storageStatus[path]
	s.mu.Unlock()

	switch c.Request.Method {
	case "PROPFIND":
		s.Counters.Propfind.Add(1)
	case http.MethodGet:
		s.Counters.Get.Add(1)
	case http.MethodPut:
		s.Counters.Put.Add(1)
	}

	if forced != 0 {
		c.Status(forced)
		return
	}
	if !s.authorized(c, ns, path) {
		s.Counters.StorageDenied.Add(1)
		c.Status(http.StatusForbidden)
		return
	}

	switch c.Request.Method {
	case "PROPFIND":
		s.propfind(c, path)
	case http.MethodGet:
		data, ok := s.Object(path)
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path[strings.LastIndexByte(path, '/')+1:]))
		c.Data(http.StatusOK, "application/octet-stream", data)
	case http.MethodPut:
		data, err := c.GetRawData()
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		_, existed := s.objects[path]
		s.mu.Unlock()
		s.PutObject(path, data)
		if existed {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusCreated)
	}
}

func (s *Server) writeNamespaceHeaders(c *gin.Context, ns Namespace) {
	c.Header("X-Pelican-Namespace", fmt.Sprintf("namespace=%s, requireToken=%t, collectionUrl=%s",
		ns.Prefix, ns.RequireToken, s.DirectorURL()+ns.Prefix))
	c.Header("Link", fmt.Sprintf(`<%s%s>; rel="duplicate"; pri=1; depth=%d`,
		s.DirectorURL(), ns.Prefix, strings.Count(strings.Trim(ns.Prefix, "/"), "/")+1))
	if ns.Public {
		return
	}
	c.Header("X-Pelican-Authorization", "issuer="+s.IssuerURL())
	c.Header("X-Pelican-Token-Generation", fmt.Sprintf("issuer=%s, maxScopeDepth=3, strategy=OAuth2, basePath=%s",
		s.IssuerURL(), ns.Prefix))
}

func (s *Server) namespaceFor(path string) (Namespace, bool) {
	var best Namespace
	found := false
	for _, ns := range s.namespaces {
		p := strings.TrimRight(ns.Prefix, "/")
		if path == p || strings.HasPrefix(path, p+"/") {
			if !found || len(p) > len(strings.TrimRight(best.Prefix, "/")) {
				best, found = ns, true
			}
		}
	}
	return best, found
}

// authorized checks the bearer token against the storage.* scope needed
// for the request. Scope paths are relative to the namespace prefix.
func (s *Server) authorized(c *gin.Context, ns Namespace, path string) bool {
	read := c.Request.Method != http.MethodPut
	raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if raw == "" || raw == c.GetHeader("Authorization") {
		return read && !ns.RequireToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return false
	}
	scope, _ := claims["scope"].(string)
	rel := strings.TrimPrefix(path, strings.TrimRight(ns.Prefix, "/"))
	if rel == "" {
		rel = "/"
	}

	want := []string{"storage.read"}
	if !read {
		want = []string{"storage.create", "storage.modify"}
	}
	for _, entry := range strings.Fields(scope) {
		name, scopePath, ok := strings.Cut(entry, ":")
		if !ok || !contains(want, name) {
			continue
		}
		sp := strings.TrimRight(scopePath, "/")
		if sp == "" || rel == sp || strings.HasPrefix(rel, sp+"/") {
			return true
		}
	}
	return false
}

func (s *Server) propfind(c *gin.Context, path string) {
	dir := strings.TrimRight(path, "/")
	s.mu.Lock()
	if !s.collections[dir+"/"] {
		s.mu.Unlock()
		if _, ok := s.Object(path); ok {
			c.Status(http.StatusMethodNotAllowed)
			return
		}
		c.Status(http.StatusNotFound)
		return
	}

	type child struct {
		href string
		size int
		dir  bool
	}
	children := map[string]child{}
	for p, data := range s.objects {
		if name, ok := directChild(dir, p); ok {
			if strings.Contains(name, "/") {
				continue
			}
			children[p] = child{href: p, size: len(data)}
		}
	}
	for p := range s.collections {
		trimmed := strings.TrimRight(p, "/")
		if name, ok := directChild(dir, trimmed); ok && name != "" && !strings.Contains(name, "/") {
			children[trimmed] = child{href: trimmed + "/", dir: true}
		}
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	modified := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<D:multistatus xmlns:D="DAV:" xmlns:ns1="http://apache.org/dav/props/" xmlns:ns0="DAV:">`)
	writeEntry(&b, dir+"/", 0, modified, true)
	for _, k := range keys {
		ch := children[k]
		writeEntry(&b, ch.href, ch.size, modified, ch.dir)
	}
	b.WriteString(`</D:multistatus>`)
	c.Data(http.StatusMultiStatus, "application/xml; charset=utf-8", []byte(b.String()))
}

func writeEntry(b *strings.Builder, href string, size int, modified string, dir bool) {
	resourceType, isCollection := "", "0"
	if dir {
		resourceType, isCollection = "<D:collection/>", "1"
	}
	fmt.Fprintf(b, `<D:response xmlns:lp1="DAV:" xmlns:lp2="http://apache.org/dav/props/">`+
		`<D:href>%s</D:href><D:propstat><D:prop>`+
		`<lp1:getcontentlength>%d</lp1:getcontentlength>`+
		`<lp1:getlastmodified>%s</lp1:getlastmodified>`+
		`<lp1:resourcetype>%s</lp1:resourcetype>`+
		`<lp1:iscollection>%s</lp1:iscollection>`+
		`<lp2:executable>F</lp2:executable>`+
		`</D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response>`,
		href, size, modified, resourceType, isCollection)
}

func (s *Server) addCollections(dir string) {
	dir = strings.TrimRight(dir, "/")
	for dir != "" {
		s.collections[dir+"/"] = true
		dir = dir[:strings.LastIndexByte(dir, '/')]
	}
}

func directChild(dir, p string) (string, bool) {
	if !strings.HasPrefix(p, dir+"/") {
		return "", false
	}
	return p[len(dir)+1:], true
}

func challengeOf(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
