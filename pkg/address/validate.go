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
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jeremyhahn/go-pelican/pkg/common"
)

// MaxNameLength is the longest accepted path segment, in bytes.
const MaxNameLength = 255

// ValidateName checks that name is usable as a single path segment of an
// object address, as given to an upload into a collection.
func ValidateName(name string) error {
	switch {
	case name == "":
		return invalidName(name, "name cannot be empty")
	case len(name) > MaxNameLength:
		return invalidName(name, fmt.Sprintf("name exceeds %d bytes", MaxNameLength))
	case name == "." || name == "..":
		return invalidName(name, "name cannot be a relative path reference")
	case strings.ContainsAny(name, "/\\"):
		return invalidName(name, "name cannot contain path separators")
	case !utf8.ValidString(name):
		return invalidName(name, "name must be valid UTF-8")
	}

	for i := 0; i < len(name); i++ {
		if c := name[i]; c < 0x20 || c == 0x7f {
			return invalidName(name, "name cannot contain control characters")
		}
	}
	return nil
}

func invalidName(name, reason string) error {
	return fmt.Errorf("%w: object name %q: %s", common.ErrParse, name, reason)
}
