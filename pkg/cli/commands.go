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

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
	"github.com/jeremyhahn/go-pelican/pkg/address"
	"github.com/jeremyhahn/go-pelican/pkg/audit"
	"github.com/jeremyhahn/go-pelican/pkg/authflow"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/pelican"
	"github.com/jeremyhahn/go-pelican/pkg/session"
	"github.com/jeremyhahn/go-pelican/pkg/storage"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

// CommandContext holds the context for executing commands.
type CommandContext struct {
	Config *Config
	Client *pelican.Client
	Logger adapters.Logger

	// Stdin and Stdout back the "-" source and destination.
	Stdin  io.Reader
	Stdout io.Writer

	store     session.Store
	auditFile *os.File
	retry     RetryConfig
}

// NewCommandContext creates a new command context from the configuration.
// The caller must Close it.
func NewCommandContext(ctx context.Context, cfg *Config) (*CommandContext, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := adapters.ClientTLSConfig{
		CAFile:             cfg.CAFile,
		InsecureSkipVerify: cfg.Insecure,
	}.Build()
	if err != nil {
		return nil, err
	}
	httpClient, err := adapters.NewHTTPClient(adapters.HTTPClientConfig{
		Timeout:   cfg.Timeout,
		Protocol:  cfg.HTTPProtocol,
		TLS:       tlsConfig,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	auditLogger, auditFile, err := openAudit(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openSession(cfg, logger)
	if err != nil {
		closeFile(auditFile)
		return nil, err
	}

	client, err := pelican.New(ctx, pelican.Config{
		HTTPClient:  httpClient,
		Logger:      logger,
		Store:       store,
		RedirectURL: cfg.RedirectURL,
		Scopes:      cfg.Scopes,
		ClientName:  cfg.ClientName,
		ListingTTL:  cfg.ListingTTL,
		Audit:       auditLogger,
	})
	if err != nil {
		_ = store.Close()
		closeFile(auditFile)
		return nil, err
	}

	return &CommandContext{
		Config: cfg,
		Client: client,
		Logger: logger,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		store:     store,
		auditFile: auditFile,
		retry:     RetryConfig{MaxRetries: cfg.Retries},
	}, nil
}

// openAudit opens audit-file for appending. With no file configured the
// trail is discarded.
func openAudit(cfg *Config) (audit.Logger, *os.File, error) {
	if cfg.AuditFile == "" {
		return audit.NewNoOpLogger(), nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AuditFile), 0700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(cfg.AuditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 -- configured audit path
	if err != nil {
		return nil, nil, fmt.Errorf("open audit file: %w", err)
	}
	return audit.NewLogger(&audit.Config{
		Enabled: true,
		Format:  audit.OutputFormat(cfg.AuditFormat),
		Output:  f,
	}), f, nil
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

// NewLogger builds the logger selected by log-backend at log-level.
func NewLogger(cfg *Config) (adapters.Logger, error) {
	level, err := adapters.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	switch cfg.LogBackend {
	case LogZap:
		return adapters.NewZapLogger(level)
	case LogLogrus:
		return adapters.NewLogrusLogger(os.Stderr, level), nil
	case LogSlog, "":
		return adapters.NewSlogLogger(os.Stderr, level), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLogBackend, cfg.LogBackend)
	}
}

func openSession(cfg *Config, logger adapters.Logger) (session.Store, error) {
	if cfg.SessionBackend == SessionMemory {
		return session.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(cfg.SessionPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return session.OpenBadger(cfg.SessionPath, logger)
}

// Close closes the command context and cleans up resources.
func (ctx *CommandContext) Close() error {
	err := errors.Join(ctx.Client.Close(), ctx.store.Close())
	if ctx.auditFile != nil {
		err = errors.Join(err, ctx.auditFile.Close())
	}
	if z, ok := ctx.Logger.(*adapters.ZapLogger); ok {
		_ = z.Sync()
	}
	return err
}

// ListCommand lists the collection at collectionURL.
func (ctx *CommandContext) ListCommand(c context.Context, collectionURL string) ([]storage.Entry, error) {
	return retryRead(c, ctx.retry, func() ([]storage.Entry, error) {
		return ctx.Client.List(c, collectionURL)
	})
}

// GetCommand downloads objectURL. An empty or "-" outputPath writes to
// Stdout; an existing directory receives the object under its served
// filename. It returns the path written, or "-".
func (ctx *CommandContext) GetCommand(c context.Context, objectURL, outputPath string) (string, error) {
	res, err := retryRead(c, ctx.retry, func() (*storage.GetResult, error) {
		return ctx.Client.Get(c, objectURL)
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()

	if outputPath == "" || outputPath == "-" {
		if _, err := io.Copy(ctx.Stdout, res.Body); err != nil {
			return "", fmt.Errorf("%w: %w", common.ErrTransport, err)
		}
		return "-", nil
	}

	if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
		outputPath = filepath.Join(outputPath, filepath.Base(res.Filename))
	}
	file, err := os.Create(outputPath) // #nosec G304 -- User-provided path for CLI file operations, intended behavior
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(file, res.Body); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	return outputPath, file.Close()
}

// PutCommand uploads filePath to destURL. A destination ending in "/" is a
// collection and receives the file under its base name. filePath "-" reads
// Stdin and needs a full object destination. It returns the object written.
func (ctx *CommandContext) PutCommand(c context.Context, filePath, destURL, contentType string) (string, error) {
	opts := storage.PutOptions{ContentType: contentType}

	var reader io.Reader
	if filePath == "" || filePath == "-" {
		if strings.HasSuffix(destURL, "/") {
			return "", fmt.Errorf("%w: stdin upload needs an object name, got collection %q", common.ErrParse, destURL)
		}
		reader = ctx.Stdin
	} else {
		file, err := os.Open(filePath) // #nosec G304 -- User-provided path for CLI file operations, intended behavior
		if err != nil {
			return "", err
		}
		defer func() { _ = file.Close() }()
		info, err := file.Stat()
		if err != nil {
			return "", err
		}
		opts.ContentLength = info.Size()
		reader = file
	}

	if strings.HasSuffix(destURL, "/") {
		addr, err := ctx.Client.Upload(c, destURL, filepath.Base(filePath), reader, opts)
		if err != nil {
			return "", err
		}
		return addr.String(), nil
	}
	if err := ctx.Client.Put(c, destURL, reader, opts); err != nil {
		return "", err
	}
	if addr, err := address.Parse(destURL); err == nil {
		if parent, ok := addr.Parent(); ok {
			_ = ctx.Client.InvalidateListing(parent.String())
		}
	}
	return destURL, nil
}

// LoginResult reports a completed login.
type LoginResult struct {
	Token   token.Token            `json:"-"`
	Queued  *pelican.QueuedRequest `json:"queued,omitempty"`
	Subject string                 `json:"subject,omitempty"`
	Issuer  string                 `json:"issuer,omitempty"`
	Scope   string                 `json:"scope,omitempty"`
	Expires *time.Time             `json:"expires,omitempty"`
}

func newLoginResult(tok token.Token, queued *pelican.QueuedRequest) *LoginResult {
	r := &LoginResult{Token: tok, Queued: queued, Subject: tok.Subject, Issuer: tok.Issuer, Scope: tok.Scope}
	if exp := tok.Expiry(); !exp.IsZero() {
		r.Expires = &exp
	}
	return r
}

// LoginCommand starts the authorization flow for objectURL, hands the
// authorization URL to prompt, and waits on callback for the issuer's
// redirect.
func (ctx *CommandContext) LoginCommand(c context.Context, objectURL string, op pelican.Operation,
	callback *CallbackServer, prompt func(authURL string) error) (*LoginResult, error) {
	redirect, _, err := ctx.Client.StartLogin(c, objectURL, op)
	if err != nil {
		return nil, err
	}
	if err := prompt(redirect.URL); err != nil {
		return nil, err
	}
	callbackURL, err := callback.Wait(c)
	if err != nil {
		return nil, err
	}
	return ctx.CompleteLoginCommand(c, callbackURL)
}

// StartLoginCommand starts the authorization flow without waiting. The
// returned URL is opened in a browser and the resulting callback URL is
// passed to CompleteLoginCommand, possibly from another process.
func (ctx *CommandContext) StartLoginCommand(c context.Context, objectURL string, op pelican.Operation) (authflow.Redirect, error) {
	redirect, _, err := ctx.Client.StartLogin(c, objectURL, op)
	return redirect, err
}

// CompleteLoginCommand finishes a login from the full callback URL.
func (ctx *CommandContext) CompleteLoginCommand(c context.Context, callbackURL string) (*LoginResult, error) {
	tok, queued, err := ctx.Client.CompleteLoginURL(c, callbackURL)
	if err != nil {
		return nil, err
	}
	return newLoginResult(tok, queued), nil
}

// ResumeCommand replays the request queued by the last login. Listings and
// downloads are replayed; an upload cannot be, since its body is gone, so
// it is returned for the caller to rerun. The queue is cleared either way.
func (ctx *CommandContext) ResumeCommand(c context.Context, queued *pelican.QueuedRequest, outputPath string) (any, error) {
	if queued == nil {
		var err error
		if queued, err = ctx.Client.QueuedRequest(c); err != nil {
			return nil, err
		}
		if queued == nil {
			return nil, ErrNoQueuedRequest
		}
		if err := ctx.Client.ClearQueuedRequest(c); err != nil {
			return nil, err
		}
	}

	switch queued.Type {
	case pelican.OperationList:
		return ctx.ListCommand(c, queued.ObjectURL)
	case pelican.OperationGet:
		return ctx.GetCommand(c, queued.ObjectURL, outputPath)
	default:
		return queued, nil
	}
}

// CollectionsCommand returns the collections the namespace token of
// objectURL grants.
func (ctx *CommandContext) CollectionsCommand(c context.Context, objectURL string) ([]token.Collection, error) {
	if _, err := address.Parse(objectURL); err != nil {
		return nil, err
	}
	return ctx.Client.Collections(c, objectURL), nil
}

// PermissionsCommand returns the permissions held on objectURL.
func (ctx *CommandContext) PermissionsCommand(c context.Context, objectURL string) ([]token.Permission, error) {
	if _, err := address.Parse(objectURL); err != nil {
		return nil, err
	}
	return ctx.Client.Permissions(c, objectURL), nil
}

// PruneCommand drops expired tokens from the session.
func (ctx *CommandContext) PruneCommand(c context.Context) (int, error) {
	return ctx.Client.ClearExpiredTokens(c)
}
