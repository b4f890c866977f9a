package state

import (
	stderrors "errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/NightProxy/DayDream-sub000/internal/errors"
)

// Backend names used in issues and log fields.
const (
	BackendFlat       = "flat"
	BackendPair       = "pair"
	BackendStructured = "structured"
)

// Level grades an issue. Warnings mean data was skipped but the unit
// (store, backend) still completed; errors mean the unit failed.
type Level string

const (
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Issue is one degraded step of a capture or apply.
type Issue struct {
	Level   Level            `json:"level"`
	Code    errors.ErrorCode `json:"code"`
	Backend string           `json:"backend"`
	Store   string           `json:"store,omitempty"`
	Table   string           `json:"table,omitempty"`
	Key     string           `json:"key,omitempty"`
	Attempt int              `json:"attempt,omitempty"`
	Message string           `json:"message"`
	Err     error            `json:"-"`
}

// Report collects issues from concurrent adapters. The zero value is ready to use.
type Report struct {
	mu     sync.Mutex
	issues []Issue
}

// Add records an issue.
func (r *Report) Add(issue Issue) {
	if issue.Message == "" && issue.Err != nil {
		issue.Message = issue.Err.Error()
	}
	r.mu.Lock()
	r.issues = append(r.issues, issue)
	r.mu.Unlock()
}

// Merge appends every issue of other.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	for _, issue := range other.Issues() {
		r.Add(issue)
	}
}

// Issues returns a copy of the recorded issues in arrival order.
func (r *Report) Issues() []Issue {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Issue(nil), r.issues...)
}

// Errors returns only error-level issues.
func (r *Report) Errors() []Issue {
	return r.filter(LevelError)
}

// Warnings returns only warning-level issues.
func (r *Report) Warnings() []Issue {
	return r.filter(LevelWarning)
}

func (r *Report) filter(level Level) []Issue {
	var out []Issue
	for _, issue := range r.Issues() {
		if issue.Level == level {
			out = append(out, issue)
		}
	}
	return out
}

// Complete reports whether nothing at all was degraded.
func (r *Report) Complete() bool {
	return len(r.Issues()) == 0
}

// FailedStores lists structured stores that failed outright.
func (r *Report) FailedStores() []string {
	var out []string
	seen := make(map[string]bool)
	for _, issue := range r.Errors() {
		if issue.Backend == BackendStructured && issue.Store != "" && !seen[issue.Store] {
			seen[issue.Store] = true
			out = append(out, issue.Store)
		}
	}
	return out
}

// Summary is the JSON shape of a report.
type Summary struct {
	Complete     bool     `json:"complete"`
	Errors       int      `json:"errors"`
	Warnings     int      `json:"warnings"`
	FailedStores []string `json:"failed_stores,omitempty"`
	Issues       []Issue  `json:"issues,omitempty"`
}

// Summary returns the report's JSON shape.
func (r *Report) Summary() Summary {
	issues := r.Issues()
	return Summary{
		Complete:     len(issues) == 0,
		Errors:       len(r.Errors()),
		Warnings:     len(r.Warnings()),
		FailedStores: r.FailedStores(),
		Issues:       issues,
	}
}

// collect runs fn and records a failure as an issue instead of returning it.
// The template supplies level, scope and the fallback code; a ProfileError
// from fn keeps its own code. It reports whether fn succeeded.
func collect(r *Report, log zerolog.Logger, template Issue, fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}
	issue := template
	issue.Code = codeOr(err, template.Code)
	issue.Err = err
	r.Add(issue)

	ev := log.Warn()
	if issue.Level == LevelError {
		ev = log.Error()
	}
	ev.Str("code", string(issue.Code)).
		Str("backend", issue.Backend).
		Str("store", issue.Store).
		Str("table", issue.Table).
		Str("key", issue.Key).
		Err(err).
		Msg("degraded")
	return false
}

func codeOr(err error, fallback errors.ErrorCode) errors.ErrorCode {
	var pe *errors.ProfileError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return fallback
}
