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

// Package session persists client state between invocations: the
// federation registry, the path to namespace map, the PKCE code verifier
// and the request queued before an authorization redirect.
//
// A Store is a flat key/value space. Values are JSON documents written
// with Save and read back with Load.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys used by the client.
const (
	KeyFederations   = "pelican-federations"
	KeyPrefixMap     = "pelican-p2n"
	KeyCodeVerifier  = "pelican-cv"
	KeyQueuedRequest = "pelican-queued-request"
)

var (
	// ErrNotFound is returned by Store.Get for a missing key.
	ErrNotFound = errors.New("session key not found")

	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("invalid session key")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("session store closed")
)

// Store is session-scoped key/value storage.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the store.
	Close() error
}

// Load decodes the JSON value under key into v. It reports false when the
// key is absent.
func Load(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("session: decode %s: %w", key, err)
	}
	return true, nil
}

// Save encodes v as JSON under key.
func Save(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// Delete removes key from s.
func Delete(ctx context.Context, s Store, key string) error {
	return s.Delete(ctx, key)
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
