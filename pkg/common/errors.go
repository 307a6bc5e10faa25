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

package common

import "errors"

var (
	// Address errors

	// ErrParse is returned when an object address does not match the
	// pelican://<federation-hostname>/<object-path> grammar.
	ErrParse = errors.New("invalid object address")

	// Discovery errors

	// ErrDiscovery is returned when federation or issuer metadata cannot be fetched.
	ErrDiscovery = errors.New("discovery failed")

	// ErrNamespaceResolution is returned when the director probe, OIDC discovery
	// or dynamic client registration for a namespace fails.
	ErrNamespaceResolution = errors.New("namespace resolution failed")

	// ErrAmbiguousNamespace is returned when two distinct cached namespaces
	// match an object path with the same prefix length.
	ErrAmbiguousNamespace = errors.New("ambiguous namespace configuration")

	// Authorization errors

	// ErrFlowConfiguration is returned when an authorization flow cannot be
	// started or completed because required OIDC or client fields are missing.
	ErrFlowConfiguration = errors.New("authorization flow misconfigured")

	// ErrTokenExchange is returned when the token endpoint rejects a code exchange.
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrUnauthenticated is returned when storage answers 403 and no token was sent.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized is returned when storage answers 403 to a request that
	// carried a token. Re-authenticating with the same identity will not help.
	ErrUnauthorized = errors.New("unauthorized")

	// Transport errors

	// ErrTransport is returned for any other non-success HTTP outcome,
	// including connection failures.
	ErrTransport = errors.New("transport error")

	// ErrMalformedResponse is returned when a success response body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// kinds is ordered so the authorization outcomes win over ErrTransport and
// resolution wins over the discovery failure it wraps.
var kinds = []error{
	ErrParse,
	ErrUnauthenticated,
	ErrUnauthorized,
	ErrFlowConfiguration,
	ErrTokenExchange,
	ErrAmbiguousNamespace,
	ErrNamespaceResolution,
	ErrDiscovery,
	ErrTransport,
}

// Kind returns the message of the taxonomy sentinel err wraps, or "" when
// it wraps none.
func Kind(err error) string {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ""
}
