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

package storage

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-pelican/pkg/common"
)

// Entry is one resource of a collection listing.
type Entry struct {
	Href          string `json:"href"`
	ContentLength int64  `json:"getcontentlength"`
	LastModified  string `json:"getlastmodified"`
	IsCollection  bool   `json:"iscollection"`
	ResourceType  string `json:"resourcetype"`
	Executable    string `json:"executable"`
	Status        string `json:"status"`
}

// Name returns the last path segment of Href.
func (e Entry) Name() string {
	trimmed := strings.TrimRight(e.Href, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed[strings.LastIndexByte(trimmed, '/')+1:]
}

// Element names are matched by local name only; servers disagree on prefixes.
type multistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string        `xml:"href"`
	Status    string        `xml:"status"`
	Propstats []davPropstat `xml:"propstat"`
}

type davPropstat struct {
	Prop   davProp `xml:"prop"`
	Status string  `xml:"status"`
}

type davProp struct {
	ContentLength string          `xml:"getcontentlength"`
	LastModified  string          `xml:"getlastmodified"`
	ResourceType  davResourceType `xml:"resourcetype"`
	IsCollection  string          `xml:"iscollection"`
	Executable    string          `xml:"executable"`
}

type davResourceType struct {
	Collection *struct{} `xml:"collection"`
}

// ParseMultistatus decodes a WebDAV multistatus body. An empty body is an
// empty listing.
func ParseMultistatus(r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []Entry{}, nil
	}

	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("%w: %w: multistatus: %w", common.ErrTransport, common.ErrMalformedResponse, err)
	}

	entries := make([]Entry, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		e := Entry{Href: strings.TrimSpace(resp.Href), Status: strings.TrimSpace(resp.Status)}
		for _, ps := range resp.Propstats {
			mergeProp(&e, ps.Prop)
			if e.Status == "" {
				e.Status = strings.TrimSpace(ps.Status)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func mergeProp(e *Entry, p davProp) {
	if n, err := strconv.ParseInt(strings.TrimSpace(p.ContentLength), 10, 64); err == nil && e.ContentLength == 0 {
		e.ContentLength = n
	}
	if lm := strings.TrimSpace(p.LastModified); lm != "" && e.LastModified == "" {
		e.LastModified = lm
	}
	if p.ResourceType.Collection != nil {
		e.ResourceType = "collection"
		e.IsCollection = true
	}
	if strings.TrimSpace(p.IsCollection) == "1" {
		e.IsCollection = true
	}
	if x := strings.TrimSpace(p.Executable); x != "" && e.Executable == "" {
		e.Executable = x
	}
}
