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

package authflow

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/jeremyhahn/go-pelican/pkg/common"
)

// Reserved state keys.
const (
	StateNamespace  = "namespace"
	StateFederation = "federation"
)

// State is the round-tripped OAuth state parameter.
// Encoded as "namespace:<prefix>;federation:<hostname>;<key>:<value>...".
type State struct {
	Namespace  string
	Federation string
	Extra      map[string]string
}

var (
	keyEscaper   = strings.NewReplacer("%", "%25", ";", "%3B", ":", "%3A")
	valueEscaper = strings.NewReplacer("%", "%25", ";", "%3B")
)

// Encode renders the state. Extra keys are written in sorted order.
func (s State) Encode() string {
	parts := []string{
		StateNamespace + ":" + valueEscaper.Replace(s.Namespace),
		StateFederation + ":" + valueEscaper.Replace(s.Federation),
	}
	keys := make([]string, 0, len(s.Extra))
	for k := range s.Extra {
		if k != StateNamespace && k != StateFederation {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, keyEscaper.Replace(k)+":"+valueEscaper.Replace(s.Extra[k]))
	}
	return strings.Join(parts, ";")
}

// ParseState decodes a state produced by Encode. Entries without ':' are
// ignored. A state missing the namespace or federation entry is rejected.
func ParseState(raw string) (State, error) {
	st := State{Extra: map[string]string{}}
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key, err := url.PathUnescape(k)
		if err != nil {
			return State{}, fmt.Errorf("%w: state key %q: %w", common.ErrFlowConfiguration, k, err)
		}
		value, err := url.PathUnescape(v)
		if err != nil {
			return State{}, fmt.Errorf("%w: state value %q: %w", common.ErrFlowConfiguration, v, err)
		}
		switch key {
		case StateNamespace:
			st.Namespace = value
		case StateFederation:
			st.Federation = value
		default:
			st.Extra[key] = value
		}
	}
	if st.Namespace == "" || st.Federation == "" {
		return State{}, fmt.Errorf("%w: state %q does not name a namespace and federation",
			common.ErrFlowConfiguration, raw)
	}
	return st, nil
}

// Callback holds the parameters of an authorization redirect.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallback reads the redirect URL the issuer sent the user agent to.
// The code is read from "code", or "CODE" as some issuers send it.
func ParseCallback(rawURL string) (Callback, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Callback{}, fmt.Errorf("%w: callback url: %w", common.ErrFlowConfiguration, err)
	}
	q := u.Query()
	cb := Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if cb.Code == "" {
		cb.Code = q.Get("CODE")
	}
	if cb.Error != "" {
		return cb, fmt.Errorf("%w: issuer returned %s: %s", common.ErrTokenExchange, cb.Error, cb.ErrorDescription)
	}
	if cb.Code == "" {
		return cb, fmt.Errorf("%w: callback has no authorization code", common.ErrFlowConfiguration)
	}
	return cb, nil
}
