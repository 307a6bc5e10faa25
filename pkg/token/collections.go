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

package token

import (
	"regexp"
	"slices"
	"time"

	"github.com/jeremyhahn/go-pelican/pkg/address"
)

// Permission is a storage operation granted on a collection.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionCreate Permission = "create"
	PermissionModify Permission = "modify"
)

var permissionOrder = map[Permission]int{
	PermissionRead:   0,
	PermissionCreate: 1,
	PermissionModify: 2,
}

var storageScope = regexp.MustCompile(`^storage\.(create|modify|read):(.+)$`)

// Collection is a path-scoped grant derived from a token's scope.
// Href is the path as written in the scope; ObjectPath is Href relative to
// the namespace prefix. Permissions are sorted read, create, modify.
type Collection struct {
	Href        string       `json:"href"`
	ObjectPath  string       `json:"objectPath"`
	Permissions []Permission `json:"permissions"`
}

// Has reports whether the collection grants p.
func (c Collection) Has(p Permission) bool {
	return slices.Contains(c.Permissions, p)
}

// DeriveCollections groups the storage.* entries of tok's scope by path.
// Collections appear in the order their path is first seen. Entries that
// are not storage scopes are ignored.
func DeriveCollections(tok *Token, namespacePrefix string) []Collection {
	if tok == nil {
		return nil
	}

	var out []Collection
	index := map[string]int{}
	for _, scope := range tok.Scopes() {
		m := storageScope.FindStringSubmatch(scope)
		if m == nil {
			continue
		}
		perm, href := Permission(m[1]), m[2]

		i, ok := index[href]
		if !ok {
			i = len(out)
			index[href] = i
			out = append(out, Collection{
				Href:       href,
				ObjectPath: address.TrimPathPrefix(href, namespacePrefix),
			})
		}
		if !out[i].Has(perm) {
			out[i].Permissions = append(out[i].Permissions, perm)
		}
	}

	for i := range out {
		slices.SortFunc(out[i].Permissions, func(a, b Permission) int {
			return permissionOrder[a] - permissionOrder[b]
		})
	}
	return out
}

// PermissionsFor returns the permissions of the most specific collection
// covering objectPath, or nil when tok is unusable or nothing matches.
// objectPath is absolute within the federation; it is made relative to
// namespacePrefix before matching.
func PermissionsFor(objectPath, namespacePrefix string, tok *Token, now time.Time) []Permission {
	if !tok.Valid(now) {
		return nil
	}
	rel := address.TrimPathPrefix(objectPath, namespacePrefix)

	best := -1
	var perms []Permission
	for _, c := range DeriveCollections(tok, namespacePrefix) {
		if !address.HasPathPrefix(rel, c.ObjectPath) {
			continue
		}
		n := len(normalize(c.ObjectPath))
		// Equal lengths after normalization name the same collection, so the
		// first one seen wins and the result is stable.
		if n > best {
			best = n
			perms = c.Permissions
		}
	}
	return perms
}

func normalize(p string) string {
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
