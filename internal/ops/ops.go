// Package ops moves identities between the registry and JSONL files.
package ops

import (
	"encoding/json"
	"strings"
	"unicode"
)

// ExportFormatVersion is written into every export header.
const ExportFormatVersion = "1"

// ExportHeader is the first line of an export file.
type ExportHeader struct {
	DaydreamExport bool   `json:"_daydream_export"`
	FormatVersion  string `json:"format_version"`
	ExportedAt     int64  `json:"exported_at"`
}

// ExportRecord is one identity line of an export file. Snapshot holds the
// encoded snapshot verbatim so it is validated once, on import.
type ExportRecord struct {
	DaydreamExport bool            `json:"_daydream_export,omitempty"`
	Name           string          `json:"name"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
	Snapshot       json.RawMessage `json:"snapshot"`
}

// SanitizeForFilename makes s safe as one path component.
func SanitizeForFilename(s string) string {
	s = strings.NewReplacer("/", "-", "\\", "-", "..", "-").Replace(s)

	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune('-')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	s = b.String()

	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-.")
	if s == "" {
		s = "unnamed"
	}
	return s
}
