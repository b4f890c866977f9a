// Package report renders human-readable summaries of identity snapshots.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
	"github.com/NightProxy/DayDream-sub000/internal/state"
)

// Stats counts what a snapshot holds.
type Stats struct {
	FlatEntries int `json:"flat_entries"`
	PairEntries int `json:"pair_entries"`
	Stores      int `json:"stores"`
	Tables      int `json:"tables"`
	Records     int `json:"records"`
}

// StatsOf counts the contents of s. A nil snapshot has zero stats.
func StatsOf(s *snapshot.Snapshot) Stats {
	if s == nil {
		return Stats{}
	}
	st := Stats{
		FlatEntries: len(s.FlatEntries),
		PairEntries: len(s.PairEntries),
		Stores:      len(s.StructuredStores),
	}
	for _, store := range s.StructuredStores {
		st.Tables += len(store.Tables)
		for _, t := range store.Tables {
			st.Records += len(t.Records)
		}
	}
	return st
}

// Input is what a summary is rendered from. Report is optional; when set,
// its issues get their own section.
type Input struct {
	Name     string
	Snapshot *snapshot.Snapshot
	Report   *state.Report
}

// Markdown renders the summary as GitHub-flavored markdown. Keys are listed
// but values never are.
func Markdown(in Input) string {
	var b strings.Builder
	s := in.Snapshot
	if s == nil {
		s = snapshot.Empty()
	}

	title := in.Name
	if title == "" {
		title = "current state"
	}
	fmt.Fprintf(&b, "# Identity: %s\n\n", escapeInline(title))
	if s.ID != "" {
		fmt.Fprintf(&b, "- Snapshot: `%s`\n", s.ID)
	}
	if !s.CapturedAt.IsZero() {
		fmt.Fprintf(&b, "- Captured: %s\n", formatTime(s.CapturedAt))
	}
	fmt.Fprintf(&b, "- Format version: %d\n\n", s.Version)

	st := StatsOf(s)
	b.WriteString("## Backends\n\n")
	b.WriteString("| Backend | Items |\n| --- | ---: |\n")
	fmt.Fprintf(&b, "| Flat KV | %s |\n", formatCount(st.FlatEntries))
	fmt.Fprintf(&b, "| Pair KV | %s |\n", formatCount(st.PairEntries))
	fmt.Fprintf(&b, "| Structured stores | %s |\n", formatCount(st.Stores))
	fmt.Fprintf(&b, "| Structured records | %s |\n\n", formatCount(st.Records))

	writeKeys(&b, "Flat KV keys", s.FlatEntries)
	writeKeys(&b, "Pair KV keys", s.PairEntries)

	for _, store := range s.StructuredStores {
		fmt.Fprintf(&b, "## Store: %s (schema v%d)\n\n", escapeInline(store.Name), store.SchemaVersion)
		if len(store.Tables) == 0 {
			b.WriteString("_no tables_\n\n")
			continue
		}
		b.WriteString("| Table | Layout | Records |\n| --- | --- | ---: |\n")
		for _, t := range store.Tables {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", escapeCell(t.Name), layoutLabel(t.Layout), formatCount(len(t.Records)))
		}
		b.WriteString("\n")
	}

	if issues := in.Report.Issues(); len(issues) > 0 {
		b.WriteString("## Issues\n\n")
		b.WriteString("| Level | Code | Where | Message |\n| --- | --- | --- | --- |\n")
		for _, issue := range issues {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", issue.Level, issue.Code, escapeCell(where(issue)), escapeCell(issue.Message))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writeKeys(b *strings.Builder, heading string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(b, "## %s\n\n", heading)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s\n", escapeInline(k))
	}
	b.WriteString("\n")
}

func layoutLabel(l snapshot.Layout) string {
	switch l.Kind {
	case snapshot.LayoutKeyPath:
		label := fmt.Sprintf("keypath `%s`", strings.ReplaceAll(l.KeyPath, "`", "'"))
		if l.AutoIncrement {
			label += " (auto)"
		}
		return label
	default:
		return string(l.Kind)
	}
}

func where(issue state.Issue) string {
	parts := []string{issue.Backend}
	for _, p := range []string{issue.Store, issue.Table, issue.Key} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// escapeInline neutralizes markdown that user-controlled names could inject.
func escapeInline(s string) string {
	return strings.NewReplacer(
		"\\", "\\\\",
		"`", "\\`",
		"*", "\\*",
		"_", "\\_",
		"[", "\\[",
		"]", "\\]",
		"#", "\\#",
		"<", "&lt;",
		">", "&gt;",
		"\n", " ",
	).Replace(s)
}

// escapeCell is escapeInline plus the table column separator.
func escapeCell(s string) string {
	return strings.ReplaceAll(escapeInline(s), "|", "\\|")
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// Fragment renders the markdown summary as an HTML fragment for embedding
// in another page.
func Fragment(in Input) (template.HTML, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(Markdown(in)), &body); err != nil {
		return "", errors.NewInternal(fmt.Errorf("render markdown: %w", err))
	}
	return template.HTML(body.String()), nil
}

// HTML renders the markdown summary into a standalone HTML page.
func HTML(in Input) ([]byte, error) {
	body, err := Fragment(in)
	if err != nil {
		return nil, err
	}

	title := "daydream: " + in.Name
	if in.Name == "" {
		title = "daydream: current state"
	}

	var out bytes.Buffer
	err = page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{title, body})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return out.Bytes(), nil
}

// formatTime formats t as "2006-01-02 15:04 UTC".
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04") + " UTC"
}

// formatCount formats an integer with comma thousands separators.
func formatCount(n int) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}
