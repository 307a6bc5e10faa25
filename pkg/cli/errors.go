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
package cli

import "errors"

var (
	// Configuration errors

	// ErrUnsupportedOutputFormat is returned when an unsupported output format is specified.
	ErrUnsupportedOutputFormat = errors.New("unsupported output format")

	// ErrUnsupportedSessionBackend is returned when session-backend is neither memory nor badger.
	ErrUnsupportedSessionBackend = errors.New("unsupported session backend")

	// ErrSessionPathRequired is returned when the badger session backend has no session-path.
	ErrSessionPathRequired = errors.New("session-path is required for the badger session backend")

	// ErrUnsupportedProtocol is returned when http-protocol is neither http1 nor http3.
	ErrUnsupportedProtocol = errors.New("unsupported http protocol")

	// ErrUnsupportedLogBackend is returned when log-backend is neither slog nor zap.
	ErrUnsupportedLogBackend = errors.New("unsupported log backend")

	// ErrInvalidRedirectURL is returned when redirect-url is not an absolute http(s) URL.
	ErrInvalidRedirectURL = errors.New("redirect-url must be an absolute http or https URL")

	// ErrNegativeValue is returned for a negative listing-ttl or retries.
	ErrNegativeValue = errors.New("value must not be negative")

	// Command errors

	// ErrNoQueuedRequest is returned by resume when no request waits on a login.
	ErrNoQueuedRequest = errors.New("no request is queued")

	// ErrCallbackTimeout is returned when the browser never reaches the callback listener.
	ErrCallbackTimeout = errors.New("timed out waiting for the authorization callback")

	// ErrUnsupportedAuditFormat is returned when audit-format is not json or text.
	ErrUnsupportedAuditFormat = errors.New("unsupported audit format")

	// ErrCallbackDenied is returned when the issuer redirects back with an error.
	ErrCallbackDenied = errors.New("authorization was denied")
)
