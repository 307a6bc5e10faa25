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

package federation

import (
	"strconv"
	"strings"
)

// ParseRecordHeader parses a header of comma-separated key=value pairs.
// It returns nil for an empty header or one without any '='.
func ParseRecordHeader(header string) map[string]string {
	if strings.TrimSpace(header) == "" || !strings.Contains(header, "=") {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(header, ",") {
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// Link is one entry of an RFC 8288 Link header as sent by the director,
// e.g. `<https://cache.example/ns/obj>; rel="duplicate"; pri=1; depth=2`.
type Link struct {
	URL      string `json:"url"`
	Rel      string `json:"rel"`
	Priority int    `json:"pri"`
	Depth    int    `json:"depth"`
}

// ParseLinkHeader parses a Link header. An empty header yields no links.
func ParseLinkHeader(header string) []Link {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	var links []Link
	for _, entry := range strings.Split(header, ",") {
		params := strings.Split(entry, ";")
		target := strings.TrimSpace(params[0])
		target = strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")
		if target == "" {
			continue
		}
		link := Link{URL: target}
		for _, p := range params[1:] {
			key, value, _ := strings.Cut(p, "=")
			value = strings.Trim(strings.TrimSpace(value), `"`)
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "rel":
				link.Rel = value
			case "pri":
				link.Priority, _ = strconv.Atoi(value)
			case "depth":
				link.Depth, _ = strconv.Atoi(value)
			}
		}
		links = append(links, link)
	}
	return links
}
