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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-pelican/pkg/common"
)

// Well-known paths and director headers.
const (
	WellKnownPath       = "/.well-known/pelican-configuration"
	OpenIDPath          = "/.well-known/openid-configuration"
	HeaderAuthorization = "X-Pelican-Authorization"
	HeaderNamespace     = "X-Pelican-Namespace"
	HeaderTokenGen      = "X-Pelican-Token-Generation"
)

// maxDocumentSize bounds discovery and registration response bodies.
const maxDocumentSize = 1 << 20

// DefaultStorageScope is requested at client registration.
const DefaultStorageScope = "openid storage.create:/ storage.modify:/ storage.read:/"

// TokenGeneration describes how the namespace issuer mints tokens.
type TokenGeneration struct {
	Issuer        string `json:"issuer,omitempty"`
	MaxScopeDepth int    `json:"maxScopeDepth,omitempty"`
	Strategy      string `json:"strategy,omitempty"`
	BasePath      string `json:"basePath,omitempty"`
}

// DirectorMetadata is what a director probe reports about an object path.
type DirectorMetadata struct {
	Issuer          string          `json:"issuer,omitempty"`
	Namespace       string          `json:"namespace"`
	RequireToken    bool            `json:"requireToken"`
	CollectionURL   string          `json:"collectionUrl,omitempty"`
	TokenGeneration TokenGeneration `json:"tokenGeneration"`
	Links           []Link          `json:"links,omitempty"`
}

// ClientRegistration is a dynamic client registration request.
type ClientRegistration struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name"`
	Scope                   string   `json:"scope"`
}

// NewClientRegistration returns a registration for a public PKCE client
// redirecting to redirectURL.
func NewClientRegistration(redirectURL, clientName, scope string) ClientRegistration {
	if scope == "" {
		scope = DefaultStorageScope
	}
	return ClientRegistration{
		RedirectURIs:            []string{redirectURL},
		TokenEndpointAuthMethod: "client_secret_post",
		GrantTypes:              []string{"refresh_token", "authorization_code"},
		ResponseTypes:           []string{"code"},
		ClientName:              clientName,
		Scope:                   scope,
	}
}

// ClientCredentials is the registration response.
type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// FetchConfiguration reads https://<hostname>/.well-known/pelican-configuration.
func FetchConfiguration(ctx context.Context, client *http.Client, hostname string) (Configuration, error) {
	var cfg Configuration
	endpoint := "https://" + hostname + WellKnownPath
	if err := getJSON(ctx, client, endpoint, common.ErrDiscovery, &cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// FetchOpenIDConfiguration reads <issuer>/.well-known/openid-configuration.
func FetchOpenIDConfiguration(ctx context.Context, client *http.Client, issuer string) (OIDCConfiguration, error) {
	if issuer == "" {
		return OIDCConfiguration{}, fmt.Errorf("%w: empty issuer", common.ErrDiscovery)
	}
	var cfg OIDCConfiguration
	endpoint := strings.TrimRight(issuer, "/") + OpenIDPath
	if err := getJSON(ctx, client, endpoint, common.ErrDiscovery, &cfg); err != nil {
		return OIDCConfiguration{}, err
	}
	return cfg, nil
}

// ProbeDirector issues HEAD <director><objectPath>?redirect=false and reads
// the namespace record headers.
func ProbeDirector(ctx context.Context, client *http.Client, directorEndpoint, objectPath string) (DirectorMetadata, error) {
	if directorEndpoint == "" {
		return DirectorMetadata{}, fmt.Errorf("%w: federation has no director endpoint", common.ErrDiscovery)
	}
	u, err := url.Parse(strings.TrimRight(directorEndpoint, "/") + objectPath)
	if err != nil {
		return DirectorMetadata{}, fmt.Errorf("%w: %w", common.ErrDiscovery, err)
	}
	q := u.Query()
	q.Set("redirect", "false")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), http.NoBody)
	if err != nil {
		return DirectorMetadata{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return DirectorMetadata{}, fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DirectorMetadata{}, common.Expect("HEAD", resp, common.ErrTransport)
	}
	return metadataFromHeaders(resp.Header)
}

func metadataFromHeaders(h http.Header) (DirectorMetadata, error) {
	ns := ParseRecordHeader(h.Get(HeaderNamespace))
	if ns["namespace"] == "" {
		return DirectorMetadata{}, fmt.Errorf("%w: director response has no %s namespace record",
			common.ErrMalformedResponse, HeaderNamespace)
	}

	md := DirectorMetadata{
		Namespace:     ns["namespace"],
		RequireToken:  strings.EqualFold(ns["requireToken"], "true"),
		CollectionURL: ns["collectionUrl"],
		Links:         ParseLinkHeader(h.Get("Link")),
	}
	if auth := ParseRecordHeader(h.Get(HeaderAuthorization)); auth != nil {
		md.Issuer = auth["issuer"]
	}
	if gen := ParseRecordHeader(h.Get(HeaderTokenGen)); gen != nil {
		md.TokenGeneration = TokenGeneration{
			Issuer:   gen["issuer"],
			Strategy: gen["strategy"],
			BasePath: gen["basePath"],
		}
		md.TokenGeneration.MaxScopeDepth, _ = strconv.Atoi(gen["maxScopeDepth"])
	}
	if md.Issuer == "" {
		md.Issuer = md.TokenGeneration.Issuer
	}
	return md, nil
}

// RegisterClient performs dynamic client registration. Issuers answer 201;
// 200 is accepted as well.
func RegisterClient(ctx context.Context, client *http.Client, endpoint string, reg ClientRegistration) (ClientCredentials, error) {
	if endpoint == "" {
		return ClientCredentials{}, fmt.Errorf("%w: issuer has no registration endpoint", common.ErrDiscovery)
	}
	body, err := json.Marshal(reg)
	if err != nil {
		return ClientCredentials{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ClientCredentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return ClientCredentials{}, fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := common.Expect("POST", resp, common.ErrTransport, http.StatusCreated, http.StatusOK); err != nil {
		return ClientCredentials{}, err
	}

	var creds ClientCredentials
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&creds); err != nil {
		return ClientCredentials{}, fmt.Errorf("%w: registration response: %w", common.ErrMalformedResponse, err)
	}
	if creds.ClientID == "" {
		return ClientCredentials{}, fmt.Errorf("%w: registration response has no client_id", common.ErrMalformedResponse)
	}
	return creds, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, kind error, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w: %w", kind, common.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := common.Expect("GET", resp, kind, http.StatusOK); err != nil {
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(out); err != nil {
		return fmt.Errorf("%w: %w: %s: %w", kind, common.ErrMalformedResponse, endpoint, err)
	}
	return nil
}
