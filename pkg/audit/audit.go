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

// Package audit records an audit trail of the storage and authorization
// operations a client performs against Pelican federations.
package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-pelican/pkg/common"
)

// EventType represents the type of audit event
type EventType string

const (
	// EventObjectListed indicates a collection was listed
	EventObjectListed EventType = "OBJECT_LISTED"

	// EventObjectAccessed indicates an object was downloaded
	EventObjectAccessed EventType = "OBJECT_ACCESSED"

	// EventObjectCreated indicates an object was uploaded
	EventObjectCreated EventType = "OBJECT_CREATED"

	// EventLoginStarted indicates an authorization redirect was issued
	EventLoginStarted EventType = "LOGIN_STARTED"

	// EventAuthSuccess indicates a token was acquired
	EventAuthSuccess EventType = "AUTH_SUCCESS"

	// EventAuthFailure indicates a code exchange failed
	EventAuthFailure EventType = "AUTH_FAILURE"
)

// Result represents the outcome of an audited operation
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
)

// Event is a single audit record.
type Event struct {
	Timestamp        time.Time     `json:"timestamp"`
	EventType        EventType     `json:"event_type"`
	Action           string        `json:"action"`
	Result           Result        `json:"result"`
	RequestID        string        `json:"request_id,omitempty"`
	Federation       string        `json:"federation,omitempty"`
	Namespace        string        `json:"namespace,omitempty"`
	ObjectURL        string        `json:"object_url,omitempty"`
	Subject          string        `json:"subject,omitempty"`
	StatusCode       int           `json:"status_code,omitempty"`
	BytesTransferred int64         `json:"bytes_transferred,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// Logger records audit events.
type Logger interface {
	// LogEvent records event, filling in the timestamp and request ID when
	// they are unset.
	LogEvent(ctx context.Context, event *Event) error

	// LogStorage records a list, get or put against objectURL.
	LogStorage(ctx context.Context, eventType EventType, objectURL string, bytes int64, elapsed time.Duration, err error) error

	// LogAuthorization records a login transition for a namespace.
	LogAuthorization(ctx context.Context, eventType EventType, federation, namespace, subject string, err error) error
}

// OutputFormat specifies the format for audit log output
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config holds configuration for the audit logger
type Config struct {
	Enabled bool
	Format  OutputFormat

	// Output defaults to stderr.
	Output io.Writer
}

// DefaultConfig returns an enabled JSON logger writing to stderr.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Format: FormatJSON, Output: os.Stderr}
}

// SlogLogger implements Logger on a slog handler, one line per event.
type SlogLogger struct {
	enabled bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewLogger creates an audit logger. A nil config uses DefaultConfig.
func NewLogger(config *Config) *SlogLogger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}
	return &SlogLogger{enabled: config.Enabled, logger: slog.New(handler), now: time.Now}
}

// LogEvent implements Logger.
func (a *SlogLogger) LogEvent(ctx context.Context, event *Event) error {
	if !a.enabled || event == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	if event.RequestID == "" {
		event.RequestID = uuid.NewString()
	}

	attrs := []slog.Attr{
		slog.Time("timestamp", event.Timestamp),
		slog.String("event_type", string(event.EventType)),
		slog.String("action", event.Action),
		slog.String("result", string(event.Result)),
		slog.String("request_id", event.RequestID),
	}
	optional := []struct{ key, value string }{
		{"federation", event.Federation},
		{"namespace", event.Namespace},
		{"object_url", event.ObjectURL},
		{"subject", event.Subject},
		{"error_kind", event.ErrorKind},
		{"error", event.ErrorMessage},
	}
	for _, o := range optional {
		if o.value != "" {
			attrs = append(attrs, slog.String(o.key, o.value))
		}
	}
	if event.StatusCode > 0 {
		attrs = append(attrs, slog.Int("status_code", event.StatusCode))
	}
	if event.BytesTransferred > 0 {
		attrs = append(attrs, slog.Int64("bytes_transferred", event.BytesTransferred))
	}
	if event.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", event.Duration))
	}

	a.logger.LogAttrs(ctx, slog.LevelInfo, "audit: "+event.Action, attrs...)
	return nil
}

// LogStorage implements Logger.
func (a *SlogLogger) LogStorage(ctx context.Context, eventType EventType, objectURL string, bytes int64, elapsed time.Duration, err error) error {
	event := &Event{
		EventType:        eventType,
		Action:           actions[eventType],
		ObjectURL:        objectURL,
		BytesTransferred: bytes,
		Duration:         elapsed,
	}
	setOutcome(event, err)
	return a.LogEvent(ctx, event)
}

// LogAuthorization implements Logger.
func (a *SlogLogger) LogAuthorization(ctx context.Context, eventType EventType, federation, namespace, subject string, err error) error {
	event := &Event{
		EventType:  eventType,
		Action:     actions[eventType],
		Federation: federation,
		Namespace:  namespace,
		Subject:    subject,
	}
	setOutcome(event, err)
	return a.LogEvent(ctx, event)
}

var actions = map[EventType]string{
	EventObjectListed:   "list",
	EventObjectAccessed: "get_object",
	EventObjectCreated:  "put_object",
	EventLoginStarted:   "start_login",
	EventAuthSuccess:    "complete_login",
	EventAuthFailure:    "complete_login",
}

func setOutcome(event *Event, err error) {
	if err == nil {
		event.Result = ResultSuccess
		return
	}
	event.Result = ResultFailure
	event.ErrorMessage = err.Error()
	event.ErrorKind = common.Kind(err)
	event.StatusCode = common.StatusCode(err)
}

// NoOpLogger discards all events.
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that records nothing.
func NewNoOpLogger() Logger {
	return NoOpLogger{}
}

func (NoOpLogger) LogEvent(context.Context, *Event) error { return nil }

func (NoOpLogger) LogStorage(context.Context, EventType, string, int64, time.Duration, error) error {
	return nil
}

func (NoOpLogger) LogAuthorization(context.Context, EventType, string, string, string, error) error {
	return nil
}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
