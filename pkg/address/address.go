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

// Package address parses pelican:// object addresses.
package address

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jeremyhahn/go-pelican/pkg/common"
)

// Scheme is the URL scheme of every object address.
const Scheme = "pelican://"

// ObjectAddress names an object or collection inside a federation.
// ObjectPath always begins with "/". ObjectPrefix is ObjectPath with its
// final path segment removed.
type ObjectAddress struct {
	FederationHostname string `json:"federationHostname"`
	ObjectPath         string `json:"objectPath"`
	ObjectPrefix       string `json:"objectPrefix"`
}

// Parse splits a pelican://<federation-hostname>/<object-path> address.
func Parse(s string) (ObjectAddress, error) {
	if len(s) < len(Scheme) || !strings.EqualFold(s[:len(Scheme)], Scheme) {
		return ObjectAddress{}, fmt.Errorf("%w: %q: scheme must be %s", common.ErrParse, s, Scheme)
	}
	rest := s[len(Scheme):]

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return ObjectAddress{}, fmt.Errorf("%w: %q: missing object path", common.ErrParse, s)
	}
	host, path := rest[:slash], rest[slash:]
	if host == "" {
		return ObjectAddress{}, fmt.Errorf("%w: %q: missing federation hostname", common.ErrParse, s)
	}
	if strings.ContainsAny(host, "@?#") || strings.IndexFunc(host, unicode.IsSpace) >= 0 {
		return ObjectAddress{}, fmt.Errorf("%w: %q: invalid federation hostname", common.ErrParse, s)
	}

	return ObjectAddress{
		FederationHostname: host,
		ObjectPath:         path,
		ObjectPrefix:       path[:strings.LastIndexByte(path, '/')],
	}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) ObjectAddress {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String reconstructs the address. Parse(a.String()) == a.
func (a ObjectAddress) String() string {
	return Scheme + a.FederationHostname + a.ObjectPath
}

// IsRoot reports whether the address names the federation root.
func (a ObjectAddress) IsRoot() bool {
	return strings.Trim(a.ObjectPath, "/") == ""
}

// IsCollection reports whether the address is written as a collection (trailing slash).
func (a ObjectAddress) IsCollection() bool {
	return strings.HasSuffix(a.ObjectPath, "/")
}

// Name returns the final non-empty path segment.
func (a ObjectAddress) Name() string {
	trimmed := strings.TrimRight(a.ObjectPath, "/")
	return trimmed[strings.LastIndexByte(trimmed, '/')+1:]
}

// Parent returns the collection containing a, written with a trailing slash.
// The root is its own parent and reports false.
func (a ObjectAddress) Parent() (ObjectAddress, bool) {
	if a.IsRoot() {
		return a, false
	}
	trimmed := strings.TrimRight(a.ObjectPath, "/")
	parent := trimmed[:strings.LastIndexByte(trimmed, '/')+1]
	return ObjectAddress{
		FederationHostname: a.FederationHostname,
		ObjectPath:         parent,
		ObjectPrefix:       parent[:len(parent)-1],
	}, true
}

// Join returns the address of name inside the collection a.
func (a ObjectAddress) Join(name string) ObjectAddress {
	path := strings.TrimRight(a.ObjectPath, "/") + "/" + strings.TrimLeft(name, "/")
	return ObjectAddress{
		FederationHostname: a.FederationHostname,
		ObjectPath:         path,
		ObjectPrefix:       path[:strings.LastIndexByte(path, '/')],
	}
}

// HasPathPrefix reports whether prefix names path or one of its ancestor
// collections. Matching is per segment, so "/a/b" covers "/a/b/c" but not
// "/a/bc". Trailing slashes are ignored and "/" covers everything.
func HasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return true
	}
	path = strings.TrimRight(path, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// TrimPathPrefix removes prefix from path when HasPathPrefix holds. The
// result always begins with "/".
func TrimPathPrefix(path, prefix string) string {
	if !HasPathPrefix(path, prefix) {
		return path
	}
	rest := path[len(strings.TrimRight(prefix, "/")):]
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
