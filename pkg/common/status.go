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

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
)

// StatusError describes an HTTP exchange that finished with a status the
// caller did not accept. Kind is one of ErrUnauthenticated, ErrUnauthorized,
// ErrTransport, ErrDiscovery or ErrTokenExchange and is what errors.Is matches.
type StatusError struct {
	Op         string
	URL        string
	StatusCode int
	Status     string
	Kind       error
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Op, e.URL, status)
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}

// ClassifyStatus maps a storage response status to an error kind.
// Accepted statuses map to nil. A 403 is split on whether the request
// carried a bearer token; everything else is a transport failure.
func ClassifyStatus(code int, hadToken bool, accepted ...int) error {
	if slices.Contains(accepted, code) {
		return nil
	}
	if code == http.StatusForbidden {
		if hadToken {
			return ErrUnauthorized
		}
		return ErrUnauthenticated
	}
	return ErrTransport
}

// Classify builds a *StatusError for resp, or returns nil when resp.StatusCode
// is one of accepted.
func Classify(op string, resp *http.Response, hadToken bool, accepted ...int) error {
	kind := ClassifyStatus(resp.StatusCode, hadToken, accepted...)
	if kind == nil {
		return nil
	}
	return newStatusError(op, resp, kind)
}

// Expect returns a *StatusError of the given kind unless resp.StatusCode is
// one of accepted. Used by metadata calls where 403 carries no special meaning.
func Expect(op string, resp *http.Response, kind error, accepted ...int) error {
	if slices.Contains(accepted, resp.StatusCode) {
		return nil
	}
	return newStatusError(op, resp, kind)
}

func newStatusError(op string, resp *http.Response, kind error) *StatusError {
	se := &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Kind:       kind,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		se.URL = resp.Request.URL.Redacted()
	}
	return se
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsRetryable reports whether err is a transport failure worth retrying:
// a 5xx or 429 status, or a request that never produced a response.
func IsRetryable(err error) bool {
	if err == nil || !errors.Is(err, ErrTransport) {
		return false
	}
	code := StatusCode(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}
