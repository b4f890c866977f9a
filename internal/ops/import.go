package ops

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/db"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/registry"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
)

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // fail on collision (atomic)
	ImportModeReplace ImportMode = "replace" // overwrite on collision
	ImportModeRename  ImportMode = "rename"  // auto-suffix name on collision
)

// maxImportLine bounds a single JSONL line; one line carries a whole snapshot.
const maxImportLine = 64 << 20

// maxRenameAttempts bounds the name-N search in rename mode.
const maxRenameAttempts = 1000

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string     // required
	Mode ImportMode // default: error
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes one line that was not imported.
type ImportError struct {
	Line    int              `json:"line"`
	Name    string           `json:"name,omitempty"`
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// importRecord is a parsed, validated identity line.
type importRecord struct {
	line      int
	name      string
	createdAt int64
	updatedAt int64
	snap      *snapshot.Snapshot
	data      []byte
}

// Import loads identities from a JSONL export file.
//
// Mode error is all-or-nothing: any parse error, collision or limit hit
// aborts the import and nothing is written. Modes replace and rename skip
// bad lines and report them in Errors.
func Import(ctx context.Context, database *sql.DB, cfg *config.Config, input ImportInput) (*ImportOutput, error) {
	if input.Mode == "" {
		input.Mode = ImportModeError
	}
	if input.Mode != ImportModeError && input.Mode != ImportModeReplace && input.Mode != ImportModeRename {
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace, rename")
	}
	if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
		return nil, err
	}

	file, err := openNoFollow(input.Path, os.O_RDONLY, 0)
	if err != nil {
		if _, ok := err.(*errors.ProfileError); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	records, parseErrors := parseExportFile(file)

	if input.Mode == ImportModeError && len(parseErrors) > 0 {
		return &ImportOutput{Errors: parseErrors}, nil
	}
	if ctx.Err() != nil {
		return nil, errors.NewCancelled("import")
	}

	lim := newLimiter(cfg)
	switch input.Mode {
	case ImportModeError:
		return importModeError(database, lim, records)
	case ImportModeReplace:
		return importModeReplace(ctx, database, lim, records, parseErrors)
	default:
		return importModeRename(ctx, database, lim, records, parseErrors)
	}
}

// parseExportFile parses a JSONL export file. Header lines are skipped;
// every other line must carry a valid name and snapshot.
func parseExportFile(r io.Reader) ([]importRecord, []ImportError) {
	var (
		records     []importRecord
		parseErrors []ImportError
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec ExportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if rec.DaydreamExport {
			continue
		}

		if err := registry.ValidateName(rec.Name); err != nil {
			parseErrors = append(parseErrors, importErrorFrom(lineNum, rec.Name, err))
			continue
		}
		if len(rec.Snapshot) == 0 {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Name:    rec.Name,
				Code:    "INVALID_RECORD",
				Message: "missing snapshot field",
			})
			continue
		}

		snap, err := snapshot.Decode(rec.Snapshot)
		if err != nil {
			parseErrors = append(parseErrors, importErrorFrom(lineNum, rec.Name, err))
			continue
		}
		data, err := snapshot.Encode(snap)
		if err != nil {
			parseErrors = append(parseErrors, importErrorFrom(lineNum, rec.Name, err))
			continue
		}

		records = append(records, importRecord{
			line:      lineNum,
			name:      rec.Name,
			createdAt: rec.CreatedAt,
			updatedAt: rec.UpdatedAt,
			snap:      snap,
			data:      data,
		})
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line:    lineNum + 1,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}

	return records, parseErrors
}

func importErrorFrom(line int, name string, err error) ImportError {
	return ImportError{
		Line:    line,
		Name:    name,
		Code:    errors.CodeOf(err),
		Message: err.Error(),
	}
}

// limiter enforces the identity cap across one import run.
type limiter struct {
	max       int
	unlimited bool
}

func newLimiter(cfg *config.Config) limiter {
	if cfg == nil {
		return limiter{max: config.DefaultConfig().MaxProfiles}
	}
	return limiter{max: cfg.MaxProfiles, unlimited: cfg.AllowOverLimit}
}

// check returns a LIMIT_REACHED error when adding one more identity would
// exceed the cap.
func (l limiter) check(q db.Querier) error {
	if l.unlimited || l.max <= 0 {
		return nil
	}
	n, err := db.CountIdentities(q)
	if err != nil {
		return err
	}
	if n >= l.max {
		return errors.NewLimitReached(l.max)
	}
	return nil
}

func (r importRecord) row(name string) *db.Identity {
	return &db.Identity{
		Name:         name,
		SnapshotID:   r.snap.ID,
		SnapshotJSON: r.data,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}
}

// importModeError imports all records in one transaction, aborting on the
// first collision.
func importModeError(database *sql.DB, lim limiter, records []importRecord) (*ImportOutput, error) {
	tx, err := database.Begin()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	imported := 0
	for _, rec := range records {
		exists, err := db.IdentityExists(tx, rec.name)
		if err != nil {
			return nil, err
		}
		if exists {
			return &ImportOutput{Errors: []ImportError{{
				Line:    rec.line,
				Name:    rec.name,
				Code:    errors.ErrAlreadyExists,
				Message: fmt.Sprintf("identity %q already exists", rec.name),
			}}}, nil
		}
		if err := lim.check(tx); err != nil {
			if !errors.Is(err, errors.ErrLimitReached) {
				return nil, err
			}
			return &ImportOutput{Errors: []ImportError{importErrorFrom(rec.line, rec.name, err)}}, nil
		}
		if err := db.InsertIdentity(tx, rec.row(rec.name)); err != nil {
			if err == db.ErrUniqueConstraint {
				// Duplicate name within the file itself.
				return &ImportOutput{Errors: []ImportError{{
					Line:    rec.line,
					Name:    rec.name,
					Code:    errors.ErrAlreadyExists,
					Message: fmt.Sprintf("identity %q appears more than once", rec.name),
				}}}, nil
			}
			return nil, err
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return &ImportOutput{Imported: imported, Errors: []ImportError{}}, nil
}

// importModeReplace overwrites the snapshot of identities that already
// exist and inserts the rest.
func importModeReplace(ctx context.Context, database *sql.DB, lim limiter, records []importRecord, parseErrors []ImportError) (*ImportOutput, error) {
	out := &ImportOutput{Skipped: len(parseErrors), Errors: append([]ImportError{}, parseErrors...)}

	for _, rec := range records {
		if ctx.Err() != nil {
			return out, errors.NewCancelled("import")
		}
		exists, err := db.IdentityExists(database, rec.name)
		if err != nil {
			return nil, err
		}
		if exists {
			if err := db.UpdateIdentitySnapshot(database, rec.name, rec.snap.ID, rec.data); err != nil {
				return nil, err
			}
			out.Imported++
			continue
		}
		if err := lim.check(database); err != nil {
			if !errors.Is(err, errors.ErrLimitReached) {
				return nil, err
			}
			out.Errors = append(out.Errors, importErrorFrom(rec.line, rec.name, err))
			out.Skipped++
			continue
		}
		if err := db.InsertIdentity(database, rec.row(rec.name)); err != nil {
			return nil, err
		}
		out.Imported++
	}
	return out, nil
}

// importModeRename inserts every record, suffixing names that collide.
func importModeRename(ctx context.Context, database *sql.DB, lim limiter, records []importRecord, parseErrors []ImportError) (*ImportOutput, error) {
	out := &ImportOutput{Skipped: len(parseErrors), Errors: append([]ImportError{}, parseErrors...)}

	for _, rec := range records {
		if ctx.Err() != nil {
			return out, errors.NewCancelled("import")
		}
		if err := lim.check(database); err != nil {
			if !errors.Is(err, errors.ErrLimitReached) {
				return nil, err
			}
			out.Errors = append(out.Errors, importErrorFrom(rec.line, rec.name, err))
			out.Skipped++
			continue
		}

		name, err := findUniqueName(database, rec.name)
		if err != nil {
			out.Errors = append(out.Errors, ImportError{
				Line:    rec.line,
				Name:    rec.name,
				Code:    "RENAME_FAILED",
				Message: fmt.Sprintf("failed to find unique name: %v", err),
			})
			out.Skipped++
			continue
		}
		if err := db.InsertIdentity(database, rec.row(name)); err != nil {
			out.Errors = append(out.Errors, ImportError{
				Line:    rec.line,
				Name:    name,
				Code:    "INSERT_FAILED",
				Message: fmt.Sprintf("failed to insert: %v", err),
			})
			out.Skipped++
			continue
		}
		out.Imported++
	}
	return out, nil
}

// findUniqueName returns base if free, else the first free base-2, base-3,
// and so on. base is shortened when the suffix would push the name past
// the registry's length limit.
func findUniqueName(q db.Querier, base string) (string, error) {
	exists, err := db.IdentityExists(q, base)
	if err != nil {
		return "", err
	}
	if !exists {
		return base, nil
	}

	runes := []rune(base)
	for n := 2; n <= maxRenameAttempts; n++ {
		suffix := "-" + strconv.Itoa(n)
		stem := runes
		if keep := registry.MaxNameLength - len(suffix); len(stem) > keep {
			stem = stem[:keep]
		}
		candidate := string(stem) + suffix
		exists, err := db.IdentityExists(q, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name after %d attempts", maxRenameAttempts)
}
