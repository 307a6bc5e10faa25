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

// Package token models namespace bearer tokens and the storage permissions
// granted by their scope claim.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned when an access token is not a decodable JWT.
var ErrMalformedToken = errors.New("malformed access token")

// Token is an access token together with the claims read from its payload.
// ExpiresAt and IssuedAt are epoch seconds; zero means the claim is absent.
type Token struct {
	Value     string   `json:"value"`
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	Scope     string   `json:"scope,omitempty"`
}

// Valid reports whether the token may still be presented at now.
// A token without an expiry never expires.
func (t *Token) Valid(now time.Time) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return t.ExpiresAt == 0 || t.ExpiresAt >= now.Unix()
}

// Expiry returns the expiry as a time, or the zero time when absent.
func (t *Token) Expiry() time.Time {
	if t == nil || t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(t.ExpiresAt, 0)
}

// Scopes splits the scope claim on whitespace.
func (t *Token) Scopes() []string {
	if t == nil {
		return nil
	}
	return strings.Fields(t.Scope)
}

// FromAccessToken builds a Token from a JWT access token. The signature is
// not verified: the issuer's storage servers do that. When the JWT carries
// no scope or exp claim, responseScope and expiresIn (seconds from now) from
// the token response are used instead.
func FromAccessToken(raw, responseScope string, expiresIn int64, now time.Time) (Token, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	tok := Token{Value: raw, Scope: responseScope}
	if iss, err := claims.GetIssuer(); err == nil {
		tok.Issuer = iss
	}
	if sub, err := claims.GetSubject(); err == nil {
		tok.Subject = sub
	}
	if aud, err := claims.GetAudience(); err == nil {
		tok.Audience = []string(aud)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tok.ExpiresAt = exp.Unix()
	} else if expiresIn > 0 {
		tok.ExpiresAt = now.Unix() + expiresIn
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		tok.IssuedAt = iat.Unix()
	}
	if scope := scopeClaim(claims); scope != "" {
		tok.Scope = scope
	}
	return tok, nil
}

// scopeClaim reads "scope" as a space-delimited string, or "scp" as a list.
func scopeClaim(claims jwt.MapClaims) string {
	switch v := claims["scope"].(type) {
	case string:
		return v
	case []any:
		return joinStrings(v)
	}
	if v, ok := claims["scp"].([]any); ok {
		return joinStrings(v)
	}
	return ""
}

func joinStrings(vs []any) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
