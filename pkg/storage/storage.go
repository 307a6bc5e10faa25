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

// Package storage issues list, get and put requests against a federation's
// director and classifies the outcome.
//
// None of the operations retry. A 403 on a request without a token is
// common.ErrUnauthenticated, the signal to run the authorization flow; a
// 403 with a token is common.ErrUnauthorized.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeremyhahn/go-pelican/pkg/adapters"
	"github.com/jeremyhahn/go-pelican/pkg/address"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/federation"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

// MethodPropfind is the WebDAV collection listing method.
const MethodPropfind = "PROPFIND"

// maxRedirects bounds director to origin redirect chains.
const maxRedirects = 10

var errTooManyRedirects = errors.New("stopped after too many redirects")

// GetResult is a downloaded object. The caller must close Body.
type GetResult struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	Filename      string
}

// PutOptions describes an upload body.
type PutOptions struct {
	ContentType   string
	ContentLength int64
}

// Operations performs storage requests.
type Operations struct {
	client *http.Client
	logger adapters.Logger
}

// New creates Operations using client. The director redirects storage
// requests to origins and caches; the bearer token is carried across those
// redirects when they stay on https.
func New(client *http.Client, logger adapters.Logger) *Operations {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = adapters.NewNoOpLogger()
	}
	c := *client
	c.CheckRedirect = forwardBearer
	return &Operations{client: &c, logger: logger}
}

func forwardBearer(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errTooManyRedirects
	}
	auth := via[0].Header.Get("Authorization")
	if auth != "" && req.URL.Scheme == "https" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", auth)
	}
	return nil
}

// ObjectURL returns the director URL of objectPath.
func ObjectURL(fed *federation.Federation, objectPath string) (string, error) {
	if fed == nil || fed.Configuration.DirectorEndpoint == "" {
		return "", fmt.Errorf("%w: federation has no director endpoint", common.ErrDiscovery)
	}
	u, err := url.Parse(fed.Configuration.DirectorEndpoint)
	if err != nil {
		return "", fmt.Errorf("%w: director endpoint: %w", common.ErrDiscovery, err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + objectPath
	u.RawPath = ""
	return u.String(), nil
}

// List enumerates the collection at addr. The entry for the collection
// itself is dropped, a parent entry is added unless addr is the root, and
// the result is reversed so the parent comes first.
func (o *Operations) List(ctx context.Context, addr address.ObjectAddress, fed *federation.Federation, tok *token.Token) ([]Entry, error) {
	resp, err := o.do(ctx, MethodPropfind, addr, fed, tok, nil, PutOptions{}, func(h http.Header) {
		h.Set("Depth", "1")
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := common.Classify(MethodPropfind, resp, tok != nil, http.StatusOK, http.StatusMultiStatus); err != nil {
		return nil, err
	}
	entries, err := ParseMultistatus(resp.Body)
	if err != nil {
		return nil, err
	}
	return shapeListing(addr, entries), nil
}

func shapeListing(addr address.ObjectAddress, entries []Entry) []Entry {
	self := strings.TrimRight(addr.ObjectPath, "/")
	out := make([]Entry, 0, len(entries)+1)
	for _, e := range entries {
		href := e.Href
		if u, err := url.Parse(href); err == nil {
			href = u.Path
		}
		if strings.TrimRight(href, "/") == self {
			continue
		}
		out = append(out, e)
	}

	if parent, ok := addr.Parent(); ok {
		href := strings.TrimRight(parent.ObjectPath, "/")
		if href == "" {
			href = "/"
		}
		out = append(out, Entry{Href: href, IsCollection: true, ResourceType: "collection"})
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Get downloads the object at addr. Only 200 is success.
func (o *Operations) Get(ctx context.Context, addr address.ObjectAddress, fed *federation.Federation, tok *token.Token) (*GetResult, error) {
	resp, err := o.do(ctx, http.MethodGet, addr, fed, tok, nil, PutOptions{}, nil)
	if err != nil {
		return nil, err
	}
	if err := common.Classify(http.MethodGet, resp, tok != nil, http.StatusOK); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return &GetResult{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Filename:      filename(resp, addr),
	}, nil
}

// Put uploads body to addr. 200 and 201 are success. Invalidating cached
// listings of the parent collection is the caller's job.
func (o *Operations) Put(ctx context.Context, addr address.ObjectAddress, fed *federation.Federation, tok *token.Token, body io.Reader, opts PutOptions) error {
	resp, err := o.do(ctx, http.MethodPut, addr, fed, tok, body, opts, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return common.Classify(http.MethodPut, resp, tok != nil, http.StatusOK, http.StatusCreated)
}

func (o *Operations) do(ctx context.Context, method string, addr address.ObjectAddress, fed *federation.Federation,
	tok *token.Token, body io.Reader, opts PutOptions, decorate func(http.Header)) (*http.Response, error) {
	target, err := ObjectURL(fed, addr.ObjectPath)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		req.Header.Set("Authorization", "Bearer "+tok.Value)
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.ContentLength > 0 {
		req.ContentLength = opts.ContentLength
	}
	if err := replayable(req, body); err != nil {
		return nil, err
	}
	if decorate != nil {
		decorate(req.Header)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", common.ErrTransport, method, target, err)
	}
	o.logger.Debug(ctx, "storage request",
		adapters.Field{Key: "method", Value: method},
		adapters.Field{Key: "url", Value: target},
		adapters.Field{Key: "status", Value: resp.StatusCode},
		adapters.Field{Key: "authenticated", Value: tok != nil},
		adapters.Field{Key: "duration", Value: time.Since(start).String()})
	return resp, nil
}

// replayable lets a seekable body such as a file follow a 307 redirect:
// net/http only re-sends a body it can obtain again through GetBody. The
// body stays open, since the caller owns it. Bodies that cannot seek,
// stdin included, are sent once.
func replayable(req *http.Request, body io.Reader) error {
	if req.GetBody != nil {
		return nil
	}
	rs, ok := body.(io.ReadSeeker)
	if !ok {
		return nil
	}
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil
	}
	if req.ContentLength == 0 {
		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return err
		}
		req.ContentLength = end - start
		if req.ContentLength == 0 {
			req.Body = http.NoBody
			req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
			return nil
		}
	}
	req.Body = io.NopCloser(rs)
	req.GetBody = func() (io.ReadCloser, error) {
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, err
		}
		return io.NopCloser(rs), nil
	}
	return nil
}

// filename prefers Content-Disposition, falling back to the last segment
// of the final response URL without its query.
func filename(resp *http.Response, addr address.ObjectAddress) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		p := resp.Request.URL.Path
		if name := p[strings.LastIndexByte(p, '/')+1:]; name != "" {
			return name
		}
	}
	if name := addr.Name(); name != "" {
		return name
	}
	return "object"
}
