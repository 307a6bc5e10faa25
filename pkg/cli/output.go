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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/storage"
	"github.com/jeremyhahn/go-pelican/pkg/token"
)

// OutputFormat defines the output format type.
type OutputFormat string

const (
	FormatText  OutputFormat = "text"
	FormatJSON  OutputFormat = "json"
	FormatTable OutputFormat = "table"
)

// OperationResult holds the result of an operation.
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// FormatOperationResult formats an operation result in the specified format.
func FormatOperationResult(result *OperationResult, format OutputFormat) string {
	switch format {
	case FormatJSON:
		return formatJSON(result)
	case FormatTable:
		return formatResultTable(result)
	default:
		return formatResultText(result)
	}
}

// FormatError formats an error message in the specified format. The error
// kind is reported separately so scripts can tell a missing login from a
// refused one.
func FormatError(err error, format OutputFormat) string {
	result := &OperationResult{
		Success: false,
		Error:   err.Error(),
		Kind:    common.Kind(err),
	}
	return FormatOperationResult(result, format)
}

func formatResultText(result *OperationResult) string {
	if result.Success {
		if result.Message != "" {
			return result.Message + "\n"
		}
		return "Operation completed successfully\n"
	}
	return fmt.Sprintf("Error: %s\n", result.Error)
}

func formatResultTable(result *OperationResult) string {
	status, text := "SUCCESS", result.Message
	if !result.Success {
		status, text = "FAILED", result.Error
	}
	output := "┌────────────────────────────────────────────────────────┐\n"
	output += "│ Operation Result                                       │\n"
	output += "├────────────────────────────────────────────────────────┤\n"
	output += fmt.Sprintf("│ Status: %-46s │\n", status)
	if text != "" {
		for _, line := range wrapText(text, 54) {
			output += fmt.Sprintf("│ %-54s │\n", line)
		}
	}
	output += "└────────────────────────────────────────────────────────┘\n"
	return output
}

func formatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": \"failed to marshal JSON: %s\"}\n", err)
	}
	return string(data) + "\n"
}

// FormatListResult formats a collection listing in the specified format.
func FormatListResult(entries []storage.Entry, format OutputFormat) string {
	switch format {
	case FormatJSON:
		return formatJSON(map[string]any{
			"count":   len(entries),
			"entries": entries,
		})
	case FormatTable:
		return formatListTable(entries)
	default:
		return formatListText(entries)
	}
}

func formatListText(entries []storage.Entry) string {
	if len(entries) == 0 {
		return "No entries found\n"
	}
	var output string
	for _, e := range entries {
		if e.IsCollection {
			output += fmt.Sprintf("%-10s  %-29s  %s\n", "<dir>", e.LastModified, e.Href)
			continue
		}
		output += fmt.Sprintf("%-10s  %-29s  %s\n", formatSize(e.ContentLength), e.LastModified, e.Href)
	}
	return output
}

func formatListTable(entries []storage.Entry) string {
	if len(entries) == 0 {
		return "No entries found\n"
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		size := formatSize(e.ContentLength)
		if e.IsCollection {
			size = "<dir>"
		}
		rows[i] = []string{e.Href, size, e.LastModified}
	}
	output := renderTable([]string{"Href", "Size", "Last Modified"}, rows)
	output += fmt.Sprintf("Total: %d entr%s\n", len(entries), plural(len(entries), "y", "ies"))
	return output
}

// renderTable draws a rounded table. Colors are dropped when stdout is
// not a terminal.
func renderTable(headers []string, rows [][]string) string {
	var (
		borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))
		headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
		cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String() + "\n"
}

// FormatCollectionsResult formats the collections a token grants.
func FormatCollectionsResult(collections []token.Collection, format OutputFormat) string {
	switch format {
	case FormatJSON:
		if collections == nil {
			collections = []token.Collection{}
		}
		return formatJSON(map[string]any{
			"count":       len(collections),
			"collections": collections,
		})
	case FormatTable:
		if len(collections) == 0 {
			return "No collections granted\n"
		}
		rows := make([][]string, len(collections))
		for i, c := range collections {
			rows[i] = []string{c.ObjectPath, joinPermissions(c.Permissions, ",")}
		}
		return renderTable([]string{"Collection", "Permissions"}, rows)
	default:
		if len(collections) == 0 {
			return "No collections granted\n"
		}
		var output string
		for _, c := range collections {
			output += fmt.Sprintf("%s  %s\n", c.ObjectPath, joinPermissions(c.Permissions, ","))
		}
		return output
	}
}

// FormatPermissionsResult formats the permissions held on objectURL.
func FormatPermissionsResult(objectURL string, permissions []token.Permission, format OutputFormat) string {
	if permissions == nil {
		permissions = []token.Permission{}
	}
	result := &OperationResult{
		Success: true,
		Message: fmt.Sprintf("%s: %s", objectURL, joinPermissions(permissions, " ")),
		Data:    map[string]any{"objectUrl": objectURL, "permissions": permissions},
	}
	if len(permissions) == 0 {
		result.Message = fmt.Sprintf("%s: no permissions", objectURL)
	}
	return FormatOperationResult(result, format)
}

func joinPermissions(perms []token.Permission, sep string) string {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return strings.Join(names, sep)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// formatSize formats a byte count in human-readable form.
func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}

// wrapText wraps text at word boundaries, hard-wrapping words longer than
// maxWidth.
func wrapText(text string, maxWidth int) []string {
	if len(text) <= maxWidth {
		return []string{text}
	}

	var lines []string
	var current string
	for _, word := range strings.Fields(text) {
		for len(word) > maxWidth {
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			lines = append(lines, word[:maxWidth])
			word = word[maxWidth:]
		}
		switch {
		case current == "":
			current = word
		case len(current)+1+len(word) <= maxWidth:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}
