package ops

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NightProxy/DayDream-sub000/internal/db"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
)

func recordLine(t *testing.T, name string, s *snapshot.Snapshot) string {
	t.Helper()
	data, err := snapshot.Encode(s)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	line, err := json.Marshal(ExportRecord{Name: name, CreatedAt: 1000, UpdatedAt: 1500, Snapshot: data})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return string(line)
}

func headerLine(t *testing.T) string {
	t.Helper()
	line, err := json.Marshal(ExportHeader{DaydreamExport: true, FormatVersion: ExportFormatVersion, ExportedAt: 1})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return string(line)
}

func writeImportFile(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "import.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func storedSnapshot(t *testing.T, database db.Querier, name string) *snapshot.Snapshot {
	t.Helper()
	row, err := db.GetIdentity(database, name)
	if err != nil {
		t.Fatalf("GetIdentity(%q) failed: %v", name, err)
	}
	s, err := snapshot.Decode(row.SnapshotJSON)
	if err != nil {
		t.Fatalf("stored snapshot does not decode: %v", err)
	}
	return s
}

func TestImport_HappyPath_ModeError(t *testing.T) {
	database, cfg, dir := testEnv(t)
	work := testSnapshot(t, map[string]string{"theme": "dark"})
	path := writeImportFile(t, dir,
		headerLine(t),
		recordLine(t, "work", work),
		recordLine(t, "personal", testSnapshot(t, nil)),
	)

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: ImportModeError})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 2 {
		t.Errorf("Imported = %d, want 2", output.Imported)
	}
	if len(output.Errors) != 0 {
		t.Errorf("Errors = %v, want none", output.Errors)
	}

	if got := storedSnapshot(t, database, "work"); !snapshot.Equal(got, work) {
		t.Error("imported snapshot differs")
	}
	row, err := db.GetIdentity(database, "work")
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if row.CreatedAt != 1000 || row.UpdatedAt != 1500 {
		t.Errorf("timestamps = %d/%d, want 1000/1500", row.CreatedAt, row.UpdatedAt)
	}
	if row.SnapshotID != work.ID {
		t.Errorf("SnapshotID = %q, want %q", row.SnapshotID, work.ID)
	}
}

func TestImport_DefaultsToModeError(t *testing.T) {
	database, cfg, dir := testEnv(t)
	insertTestIdentity(t, database, "work", 1, nil)
	path := writeImportFile(t, dir, recordLine(t, "work", testSnapshot(t, nil)))

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 0 || len(output.Errors) != 1 {
		t.Fatalf("output = %+v, want one collision error", output)
	}
	if output.Errors[0].Code != errors.ErrAlreadyExists {
		t.Errorf("Code = %s, want ALREADY_EXISTS", output.Errors[0].Code)
	}
}

func TestImport_ModeError_RollsBackOnCollision(t *testing.T) {
	database, cfg, dir := testEnv(t)
	insertTestIdentity(t, database, "personal", 1, nil)
	path := writeImportFile(t, dir,
		recordLine(t, "work", testSnapshot(t, nil)),
		recordLine(t, "personal", testSnapshot(t, nil)),
	)

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: ImportModeError})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 0 {
		t.Errorf("Imported = %d, want 0", output.Imported)
	}
	if output.Errors[0].Line != 2 || output.Errors[0].Name != "personal" {
		t.Errorf("error = %+v, want line 2 personal", output.Errors[0])
	}

	exists, err := db.IdentityExists(database, "work")
	if err != nil {
		t.Fatalf("IdentityExists failed: %v", err)
	}
	if exists {
		t.Error("work should have been rolled back")
	}
}

func TestImport_ModeError_DuplicateWithinFile(t *testing.T) {
	database, cfg, dir := testEnv(t)
	path := writeImportFile(t, dir,
		recordLine(t, "work", testSnapshot(t, nil)),
		recordLine(t, "work", testSnapshot(t, nil)),
	)

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 0 || len(output.Errors) != 1 {
		t.Fatalf("output = %+v, want one error", output)
	}
	if n, _ := db.CountIdentities(database); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestImport_ModeError_ParseErrorAbortsAll(t *testing.T) {
	database, cfg, dir := testEnv(t)
	path := writeImportFile(t, dir,
		recordLine(t, "work", testSnapshot(t, nil)),
		`{not json`,
	)

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 0 {
		t.Errorf("Imported = %d, want 0", output.Imported)
	}
	if len(output.Errors) != 1 || output.Errors[0].Code != "PARSE_ERROR" || output.Errors[0].Line != 2 {
		t.Errorf("Errors = %+v, want PARSE_ERROR on line 2", output.Errors)
	}
	if n, _ := db.CountIdentities(database); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestImport_RejectsBadRecords(t *testing.T) {
	database, cfg, dir := testEnv(t)

	badVersion := testSnapshot(t, nil)
	badVersion.Version = 99
	data, err := json.Marshal(badVersion)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	badVersionLine, err := json.Marshal(ExportRecord{Name: "future", Snapshot: data})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	path := writeImportFile(t, dir,
		`{"name":"nosnap"}`,
		`{"name":"   ","snapshot":{}}`,
		string(badVersionLine),
		recordLine(t, "ok", testSnapshot(t, nil)),
	)

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: ImportModeRename})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 1 || output.Skipped != 3 {
		t.Fatalf("output = %+v, want 1 imported, 3 skipped", output)
	}

	codes := map[int]errors.ErrorCode{}
	for _, e := range output.Errors {
		codes[e.Line] = e.Code
	}
	if codes[1] != "INVALID_RECORD" {
		t.Errorf("line 1 code = %s, want INVALID_RECORD", codes[1])
	}
	if codes[2] != errors.ErrInvalidName {
		t.Errorf("line 2 code = %s, want INVALID_NAME", codes[2])
	}
	if codes[3] != errors.ErrInvalidSnapshot {
		t.Errorf("line 3 code = %s, want INVALID_SNAPSHOT", codes[3])
	}
}

func TestImport_ModeReplace_OverwritesSnapshot(t *testing.T) {
	database, cfg, dir := testEnv(t)
	insertTestIdentity(t, database, "work", 1, map[string]string{"theme": "dark"})

	replacement := testSnapshot(t, map[string]string{"theme": "light"})
	path := writeImportFile(t, dir,
		recordLine(t, "work", replacement),
		recordLine(t, "fresh", testSnapshot(t, nil)),
	)

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: ImportModeReplace})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 2 || output.Skipped != 0 {
		t.Fatalf("output = %+v, want 2 imported", output)
	}

	got := storedSnapshot(t, database, "work")
	if got.FlatEntries["theme"] != "light" {
		t.Errorf("theme = %q, want light", got.FlatEntries["theme"])
	}
	row, err := db.GetIdentity(database, "work")
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if row.CreatedAt != 1 {
		t.Errorf("CreatedAt = %d, replace should keep the original", row.CreatedAt)
	}
}

func TestImport_ModeRename_AutoSuffixesName(t *testing.T) {
	database, cfg, dir := testEnv(t)
	insertTestIdentity(t, database, "work", 1, nil)
	insertTestIdentity(t, database, "work-2", 2, nil)

	path := writeImportFile(t, dir, recordLine(t, "work", testSnapshot(t, map[string]string{"n": "3"})))

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: ImportModeRename})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 1 {
		t.Fatalf("Imported = %d, want 1", output.Imported)
	}
	if got := storedSnapshot(t, database, "work-3"); got.FlatEntries["n"] != "3" {
		t.Error("renamed identity should hold the imported snapshot")
	}
}

func TestFindUniqueName_TruncatesLongNames(t *testing.T) {
	database, _, _ := testEnv(t)
	long := strings.Repeat("x", 128)
	insertTestIdentity(t, database, long, 1, nil)

	name, err := findUniqueName(database, long)
	if err != nil {
		t.Fatalf("findUniqueName failed: %v", err)
	}
	if len([]rune(name)) != 128 {
		t.Errorf("len = %d, want 128", len([]rune(name)))
	}
	if !strings.HasSuffix(name, "-2") {
		t.Errorf("name = %q, want -2 suffix", name)
	}
}

func TestImport_LimitReached(t *testing.T) {
	database, cfg, dir := testEnv(t)
	cfg.MaxProfiles = 1
	insertTestIdentity(t, database, "work", 1, nil)
	path := writeImportFile(t, dir, recordLine(t, "personal", testSnapshot(t, nil)))

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: ImportModeRename})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 0 || output.Skipped != 1 {
		t.Fatalf("output = %+v, want 1 skipped", output)
	}
	if output.Errors[0].Code != errors.ErrLimitReached {
		t.Errorf("Code = %s, want LIMIT_REACHED", output.Errors[0].Code)
	}

	cfg.AllowOverLimit = true
	output, err = Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: ImportModeRename})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 1 {
		t.Errorf("Imported = %d, want 1 with AllowOverLimit", output.Imported)
	}
}

func TestImport_ModeReplace_UpdateIgnoresLimit(t *testing.T) {
	database, cfg, dir := testEnv(t)
	cfg.MaxProfiles = 1
	insertTestIdentity(t, database, "work", 1, nil)
	path := writeImportFile(t, dir, recordLine(t, "work", testSnapshot(t, nil)))

	output, err := Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: ImportModeReplace})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 1 {
		t.Errorf("Imported = %d, want 1", output.Imported)
	}
}

func TestImport_RoundTrip(t *testing.T) {
	database, cfg, dir := testEnv(t)
	work := insertTestIdentity(t, database, "work", 1000, map[string]string{"theme": "dark"})
	personal := insertTestIdentity(t, database, "personal", 2000, map[string]string{"theme": "light"})

	exportPath := filepath.Join(dir, "roundtrip.jsonl")
	if _, err := Export(context.Background(), database, cfg, ExportInput{Path: exportPath}); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	other, cfg2, _ := testEnv(t)
	cfg2.AllowedPaths = []string{dir}
	output, err := Import(context.Background(), other, cfg2, ImportInput{Path: exportPath})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if output.Imported != 2 {
		t.Fatalf("Imported = %d, want 2", output.Imported)
	}

	if !snapshot.Equal(storedSnapshot(t, other, "work"), work) {
		t.Error("work differs after round trip")
	}
	if !snapshot.Equal(storedSnapshot(t, other, "personal"), personal) {
		t.Error("personal differs after round trip")
	}

	list, err := db.ListIdentities(other)
	if err != nil {
		t.Fatalf("ListIdentities failed: %v", err)
	}
	if len(list) != 2 || list[0].Name != "work" {
		t.Errorf("order not preserved: %+v", list)
	}
}

func TestImport_FileNotFound(t *testing.T) {
	database, cfg, dir := testEnv(t)

	_, err := Import(context.Background(), database, cfg, ImportInput{Path: filepath.Join(dir, "missing.jsonl")})
	if !errors.Is(err, errors.ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got: %v", err)
	}
}

func TestImport_InvalidMode(t *testing.T) {
	database, cfg, dir := testEnv(t)
	path := writeImportFile(t, dir, headerLine(t))

	_, err := Import(context.Background(), database, cfg, ImportInput{Path: path, Mode: "merge"})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got: %v", err)
	}
}

func TestImport_PathRequired(t *testing.T) {
	database, cfg, _ := testEnv(t)

	_, err := Import(context.Background(), database, cfg, ImportInput{})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got: %v", err)
	}
}
