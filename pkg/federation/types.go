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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jeremyhahn/go-pelican/pkg/address"
	"github.com/jeremyhahn/go-pelican/pkg/cache"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

// Configuration is the federation discovery document.
type Configuration struct {
	DirectorEndpoint              string `json:"director_endpoint,omitempty"`
	NamespaceRegistrationEndpoint string `json:"namespace_registration_endpoint,omitempty"`
	JwksURI                       string `json:"jwks_uri,omitempty"`
}

// OIDCConfiguration is the subset of an issuer's OpenID discovery document
// the client uses.
type OIDCConfiguration struct {
	Issuer                string   `json:"issuer,omitempty"`
	AuthorizationEndpoint string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string   `json:"token_endpoint,omitempty"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	JwksURI               string   `json:"jwks_uri,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported   []string `json:"grant_types_supported,omitempty"`
}

// Namespace is a path prefix governed by a single issuer. Values are
// immutable once published; a token update stores a modified copy.
type Namespace struct {
	Prefix            string            `json:"prefix"`
	RequireToken      bool              `json:"requireToken"`
	CollectionURL     string            `json:"collectionUrl,omitempty"`
	Issuer            string            `json:"issuer,omitempty"`
	OIDCConfiguration OIDCConfiguration `json:"oidcConfiguration"`
	ClientID          string            `json:"clientId,omitempty"`
	ClientSecret      string            `json:"clientSecret,omitempty"`
	Token             *token.Token      `json:"token,omitempty"`
}

// UsableToken returns the namespace token if it has not expired at now.
func (n Namespace) UsableToken(now time.Time) *token.Token {
	if n.Token.Valid(now) {
		return n.Token
	}
	return nil
}

// Collections derives the token's collections relative to this namespace.
func (n Namespace) Collections() []token.Collection {
	return token.DeriveCollections(n.Token, n.Prefix)
}

// Federation is a discovered federation and the namespaces resolved in it.
// The namespace map only grows; tokens are the only field that changes.
type Federation struct {
	Hostname      string
	Configuration Configuration
	namespaces    *cache.Cache[Namespace]
}

// New returns a federation with an empty namespace map.
func New(hostname string, cfg Configuration) *Federation {
	return &Federation{
		Hostname:      hostname,
		Configuration: cfg,
		namespaces:    cache.New[Namespace](0),
	}
}

// Namespace returns the namespace registered under prefix.
func (f *Federation) Namespace(prefix string) (Namespace, bool) {
	return f.namespaces.Get(prefix)
}

// Namespaces returns every namespace sorted by prefix.
func (f *Federation) Namespaces() []Namespace {
	snap := f.namespaces.Snapshot()
	out := make([]Namespace, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.Value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// AddNamespace publishes ns under its prefix.
func (f *Federation) AddNamespace(ns Namespace) {
	f.namespaces.Set(ns.Prefix, ns)
}

// SetToken replaces the token of the namespace at prefix.
func (f *Federation) SetToken(prefix string, tok token.Token) error {
	stored := f.namespaces.Update(prefix, func(ns Namespace, ok bool) (Namespace, bool) {
		if !ok {
			return ns, false
		}
		ns.Token = &tok
		return ns, true
	})
	if !stored {
		return fmt.Errorf("%w: no namespace %q in federation %s", common.ErrFlowConfiguration, prefix, f.Hostname)
	}
	return nil
}

// ClearExpiredTokens drops tokens that are no longer valid at now and
// returns how many were removed. Namespaces themselves are kept.
func (f *Federation) ClearExpiredTokens(now time.Time) int {
	return f.namespaces.UpdateEach(func(_ string, ns Namespace) (Namespace, bool) {
		if ns.Token == nil || ns.Token.Valid(now) {
			return ns, false
		}
		ns.Token = nil
		return ns, true
	})
}

// MatchNamespace returns the namespace with the longest prefix covering
// objectPath. Two distinct namespaces matching at the same length are
// reported as ErrAmbiguousNamespace.
func (f *Federation) MatchNamespace(objectPath string) (Namespace, error) {
	var (
		best      Namespace
		bestLen   = -1
		ambiguous bool
	)
	for _, ns := range f.Namespaces() {
		if !address.HasPathPrefix(objectPath, ns.Prefix) {
			continue
		}
		n := len(strings.TrimRight(ns.Prefix, "/"))
		switch {
		case n > bestLen:
			best, bestLen, ambiguous = ns, n, false
		case n == bestLen:
			ambiguous = true
		}
	}
	if bestLen < 0 {
		return Namespace{}, fmt.Errorf("%w: no namespace covers %s in federation %s",
			common.ErrNamespaceResolution, objectPath, f.Hostname)
	}
	if ambiguous {
		return Namespace{}, fmt.Errorf("%w: several namespaces match %s in federation %s",
			common.ErrAmbiguousNamespace, objectPath, f.Hostname)
	}
	return best, nil
}

type federationJSON struct {
	Hostname      string               `json:"hostname"`
	Configuration Configuration        `json:"configuration"`
	Namespaces    map[string]Namespace `json:"namespaces"`
}

// MarshalJSON encodes the federation with its namespace map.
func (f *Federation) MarshalJSON() ([]byte, error) {
	out := federationJSON{
		Hostname:      f.Hostname,
		Configuration: f.Configuration,
		Namespaces:    map[string]Namespace{},
	}
	for _, ns := range f.Namespaces() {
		out.Namespaces[ns.Prefix] = ns
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a federation written by MarshalJSON.
func (f *Federation) UnmarshalJSON(data []byte) error {
	var in federationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*f = *New(in.Hostname, in.Configuration)
	for prefix, ns := range in.Namespaces {
		ns.Prefix = prefix
		f.AddNamespace(ns)
	}
	return nil
}
