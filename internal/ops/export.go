package ops

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/db"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
)

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path  string   // optional, default: ~/.daydream/exports/<name|all>-<timestamp>.jsonl
	Names []string // optional, default: every identity
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// Export writes identities to a JSONL file: a header line, then one line
// per identity in registry order. The file is written to a temp name and
// renamed into place, so a failed export leaves any existing file intact.
func Export(ctx context.Context, database *sql.DB, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	now := time.Now()

	names, err := exportNames(database, input.Names)
	if err != nil {
		return nil, err
	}

	path := input.Path
	if path == "" {
		path, err = defaultExportPath(input.Names, now)
		if err != nil {
			return nil, err
		}
	}
	// Default paths are validated too: they embed identity names.
	if err := ValidatePath(path, PathCheckWrite, cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return nil, errors.NewInternal(err)
	}
	tempPath := path + "." + hex.EncodeToString(suffix) + ".tmp"
	file, err := openNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	done := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !done {
			os.Remove(tempPath)
		}
	}()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	if err := enc.Encode(ExportHeader{DaydreamExport: true, FormatVersion: ExportFormatVersion, ExportedAt: now.Unix()}); err != nil {
		return nil, errors.NewInternal(err)
	}

	count := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return nil, errors.NewCancelled("export")
		}
		row, err := db.GetIdentity(database, name)
		if err != nil {
			return nil, err
		}
		rec := ExportRecord{
			Name:      row.Name,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
			Snapshot:  json.RawMessage(row.SnapshotJSON),
		}
		if err := enc.Encode(rec); err != nil {
			return nil, errors.NewInternal(err)
		}
		count++
	}

	if err := w.Flush(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename follows a symlinked destination.
	if isSymlink(path) {
		return nil, errors.NewInvalidRequest("path must not be a symlink")
	}
	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	done = true
	return &ExportOutput{Path: path, Count: count, ExportedAt: now.Unix()}, nil
}

// exportNames resolves the requested names, or all identities when none
// are given. Unknown names fail the export before anything is written.
func exportNames(database *sql.DB, requested []string) ([]string, error) {
	if len(requested) == 0 {
		rows, err := db.ListIdentities(database)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(rows))
		for i, r := range rows {
			names[i] = r.Name
		}
		return names, nil
	}

	seen := make(map[string]bool, len(requested))
	var names []string
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true
		ok, err := db.IdentityExists(database, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.NewNotFound(name)
		}
		names = append(names, name)
	}
	return names, nil
}

// defaultExportPath is ~/.daydream/exports/<name>-<timestamp>.jsonl for a
// single identity and all-<timestamp>.jsonl otherwise.
func defaultExportPath(names []string, now time.Time) (string, error) {
	dir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}
	prefix := "all"
	if len(names) == 1 {
		prefix = SanitizeForFilename(names[0])
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", prefix, now.Format("2006-01-02T150405"))), nil
}
