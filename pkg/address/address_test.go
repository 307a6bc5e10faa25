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

package address

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-pelican/pkg/common"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		host   string
		path   string
		prefix string
	}{
		{"pelican://osdf.example/ns/dir/file.txt", "osdf.example", "/ns/dir/file.txt", "/ns/dir"},
		{"pelican://osdf.example/ns/dir/", "osdf.example", "/ns/dir/", "/ns/dir"},
		{"pelican://osdf.example/file", "osdf.example", "/file", ""},
		{"pelican://osdf.example/", "osdf.example", "/", ""},
		{"pelican://127.0.0.1:8443/a/b", "127.0.0.1:8443", "/a/b", "/a"},
		{"PELICAN://osdf.example/x", "osdf.example", "/x", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.host, a.FederationHostname)
			assert.Equal(t, tt.path, a.ObjectPath)
			assert.Equal(t, tt.prefix, a.ObjectPrefix)

			// Prefix is the path minus its last segment.
			segs := strings.Split(a.ObjectPath, "/")
			assert.Equal(t, strings.Join(segs[:len(segs)-1], "/"), a.ObjectPrefix)

			again, err := Parse(a.String())
			require.NoError(t, err)
			assert.Equal(t, a, again)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"https://osdf.example/ns",
		"pelican://",
		"pelican://osdf.example",
		"pelican:///ns/file",
		"pelican://user@osdf.example/ns",
		"pelican://osdf example/ns",
		"osdf.example/ns",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.ErrorIs(t, err, common.ErrParse)
		})
	}
}

func TestParentAndJoin(t *testing.T) {
	a := MustParse("pelican://fed/ns/dir/file.txt")
	assert.False(t, a.IsRoot())
	assert.False(t, a.IsCollection())
	assert.Equal(t, "file.txt", a.Name())

	parent, ok := a.Parent()
	require.True(t, ok)
	assert.Equal(t, MustParse("pelican://fed/ns/dir/"), parent)
	assert.True(t, parent.IsCollection())
	assert.Equal(t, "dir", parent.Name())

	grand, ok := parent.Parent()
	require.True(t, ok)
	assert.Equal(t, MustParse("pelican://fed/ns/"), grand)

	root, ok := MustParse("pelican://fed/ns").Parent()
	require.True(t, ok)
	assert.Equal(t, MustParse("pelican://fed/"), root)
	assert.True(t, root.IsRoot())

	_, ok = root.Parent()
	assert.False(t, ok)

	assert.Equal(t, a, parent.Join("file.txt"))
	assert.Equal(t, a, MustParse("pelican://fed/ns/dir").Join("/file.txt"))
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nope") })
}

func TestHasPathPrefix(t *testing.T) {
	tests := []struct {
		path, prefix string
		want         bool
	}{
		{"/a/b/c", "/a/b", true},
		{"/a/b/c", "/a/b/", true},
		{"/a/b", "/a/b", true},
		{"/a/b/", "/a/b", true},
		{"/a/bc", "/a/b", false},
		{"/anything", "/", true},
		{"/anything", "", true},
		{"/a", "/a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasPathPrefix(tt.path, tt.prefix), "%s under %s", tt.path, tt.prefix)
	}
}

func TestTrimPathPrefix(t *testing.T) {
	assert.Equal(t, "/dir/file", TrimPathPrefix("/ns/dir/file", "/ns"))
	assert.Equal(t, "/dir/file", TrimPathPrefix("/ns/dir/file", "/ns/"))
	assert.Equal(t, "/", TrimPathPrefix("/ns", "/ns"))
	assert.Equal(t, "/", TrimPathPrefix("/ns/", "/ns"))
	assert.Equal(t, "/nsx/file", TrimPathPrefix("/nsx/file", "/ns"))
	assert.Equal(t, "/a", TrimPathPrefix("/a", "/"))
}
