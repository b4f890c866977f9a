package db

import (
	"testing"

	"github.com/NightProxy/DayDream-sub000/internal/errors"
)

func newTestIdentity(name string, createdAt int64) *Identity {
	return &Identity{
		Name:         name,
		SnapshotID:   "01SNAP" + name,
		SnapshotJSON: []byte(`{"version":1}`),
		CreatedAt:    createdAt,
	}
}

func TestInsertAndGetIdentity(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	if err := InsertIdentity(db, newTestIdentity("work", 1000)); err != nil {
		t.Fatalf("InsertIdentity failed: %v", err)
	}

	got, err := GetIdentity(db, "work")
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if got.Name != "work" {
		t.Errorf("Name = %q, want work", got.Name)
	}
	if string(got.SnapshotJSON) != `{"version":1}` {
		t.Errorf("SnapshotJSON = %s", got.SnapshotJSON)
	}
	if got.CreatedAt != 1000 || got.UpdatedAt != 1000 {
		t.Errorf("timestamps = %d/%d, want 1000/1000", got.CreatedAt, got.UpdatedAt)
	}
}

func TestInsertIdentity_Duplicate(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	if err := InsertIdentity(db, newTestIdentity("work", 1)); err != nil {
		t.Fatalf("InsertIdentity failed: %v", err)
	}
	err = InsertIdentity(db, newTestIdentity("work", 2))
	if err != ErrUniqueConstraint {
		t.Errorf("err = %v, want ErrUniqueConstraint", err)
	}
}

func TestNamesAreCaseSensitive(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	if err := InsertIdentity(db, newTestIdentity("Work", 1)); err != nil {
		t.Fatalf("InsertIdentity(Work) failed: %v", err)
	}
	if err := InsertIdentity(db, newTestIdentity("work", 1)); err != nil {
		t.Fatalf("InsertIdentity(work) failed: %v", err)
	}

	n, err := CountIdentities(db)
	if err != nil {
		t.Fatalf("CountIdentities failed: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestGetIdentity_NotFound(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	_, err = GetIdentity(db, "ghost")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}

	exists, err := IdentityExists(db, "ghost")
	if err != nil {
		t.Fatalf("IdentityExists failed: %v", err)
	}
	if exists {
		t.Error("IdentityExists(ghost) = true")
	}
}

func TestUpdateIdentitySnapshot(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	if err := InsertIdentity(db, newTestIdentity("work", 1000)); err != nil {
		t.Fatalf("InsertIdentity failed: %v", err)
	}
	if err := UpdateIdentitySnapshot(db, "work", "01NEW", []byte(`{"version":1,"flat_entries":{"k":"v"}}`)); err != nil {
		t.Fatalf("UpdateIdentitySnapshot failed: %v", err)
	}

	got, err := GetIdentity(db, "work")
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if got.SnapshotID != "01NEW" {
		t.Errorf("SnapshotID = %q, want 01NEW", got.SnapshotID)
	}
	if got.UpdatedAt <= got.CreatedAt {
		t.Errorf("UpdatedAt %d not bumped past CreatedAt %d", got.UpdatedAt, got.CreatedAt)
	}

	err = UpdateIdentitySnapshot(db, "ghost", "x", []byte(`{}`))
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("update missing: err = %v, want NOT_FOUND", err)
	}
}

func TestDeleteAndRenameIdentity(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	for _, name := range []string{"a", "b"} {
		if err := InsertIdentity(db, newTestIdentity(name, 1)); err != nil {
			t.Fatalf("InsertIdentity(%s) failed: %v", name, err)
		}
	}

	if err := RenameIdentity(db, "a", "b"); err != ErrUniqueConstraint {
		t.Errorf("rename onto existing: err = %v, want ErrUniqueConstraint", err)
	}
	if err := RenameIdentity(db, "a", "c"); err != nil {
		t.Fatalf("RenameIdentity failed: %v", err)
	}
	if err := DeleteIdentity(db, "a"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("delete renamed-away name: err = %v, want NOT_FOUND", err)
	}
	if err := DeleteIdentity(db, "c"); err != nil {
		t.Fatalf("DeleteIdentity failed: %v", err)
	}

	n, _ := CountIdentities(db)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestListIdentities_Order(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	rows := []*Identity{newTestIdentity("zeta", 1), newTestIdentity("beta", 2), newTestIdentity("alpha", 2)}
	for _, r := range rows {
		if err := InsertIdentity(db, r); err != nil {
			t.Fatalf("InsertIdentity failed: %v", err)
		}
	}

	list, err := ListIdentities(db)
	if err != nil {
		t.Fatalf("ListIdentities failed: %v", err)
	}
	want := []string{"zeta", "beta", "alpha"}
	if len(list) != len(want) {
		t.Fatalf("len = %d, want %d", len(list), len(want))
	}
	for i, name := range want {
		if list[i].Name != name {
			t.Errorf("list[%d] = %q, want %q", i, list[i].Name, name)
		}
	}
}

func TestSettings(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	if _, ok, err := GetSetting(db, "active"); err != nil || ok {
		t.Fatalf("GetSetting unset = ok %v err %v", ok, err)
	}

	if err := SetSetting(db, "active", "work"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := SetSetting(db, "active", "personal"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}

	v, ok, err := GetSetting(db, "active")
	if err != nil || !ok || v != "personal" {
		t.Errorf("GetSetting = %q %v %v, want personal true nil", v, ok, err)
	}

	if err := DeleteSetting(db, "active"); err != nil {
		t.Fatalf("DeleteSetting failed: %v", err)
	}
	if err := DeleteSetting(db, "active"); err != nil {
		t.Fatalf("DeleteSetting twice failed: %v", err)
	}
	if _, ok, _ := GetSetting(db, "active"); ok {
		t.Error("setting still present after delete")
	}
}

func TestQuerier_WorksInTransaction(t *testing.T) {
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := InsertIdentity(tx, newTestIdentity("work", 1)); err != nil {
		t.Fatalf("InsertIdentity in tx failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	n, _ := CountIdentities(db)
	if n != 0 {
		t.Errorf("count after rollback = %d, want 0", n)
	}
}
