package db

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	src := fstest.MapFS{
		"001_visit_workflow.sql": {Data: []byte("CREATE TABLE waitlist_entry (id UUID PRIMARY KEY);")},
		"002_saga_journal.sql":   {Data: []byte("CREATE TABLE saga_run (id UUID PRIMARY KEY);")},
		"003_indexes.sql":        {Data: []byte("CREATE INDEX ON saga_run (status);")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
	if migrations[0].Name != "001_visit_workflow.sql" {
		t.Errorf("expected name 001_visit_workflow.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE waitlist_entry (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	src := fstest.MapFS{
		"010_late.sql":  {Data: []byte("SELECT 10;")},
		"002_early.sql": {Data: []byte("SELECT 2;")},
		"005_mid.sql":   {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{2, 5, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	src := fstest.MapFS{
		"001_ok.sql":      {Data: []byte("SELECT 1;")},
		"README.md":       {Data: []byte("docs")},
		"notes.sql":       {Data: []byte("SELECT 0;")},
		"abc_invalid.sql": {Data: []byte("SELECT 0;")},
		"sub/002_x.sql":   {Data: []byte("SELECT 2;")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
	if migrations[0].Name != "001_ok.sql" {
		t.Errorf("expected 001_ok.sql, got %s", migrations[0].Name)
	}
}

func TestLoadMigrations_DirFS(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_core.sql"), []byte("SELECT 1;"), 0644); err != nil {
		t.Fatalf("failed to write migration: %v", err)
	}

	migrations, err := NewMigrator(nil, os.DirFS(dir)).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != 1 {
		t.Errorf("unexpected migrations: %+v", migrations)
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	_, err := NewMigrator(nil, os.DirFS("/nonexistent/path/that/does/not/exist")).LoadMigrations()
	if err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	applied := map[int]time.Time{1: time.Now()}

	got := pending(migrations, applied, 0)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 3 {
		t.Errorf("unexpected pending set: %+v", got)
	}

	got = pending(migrations, applied, 2)
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("unexpected pending set with target 2: %+v", got)
	}
}

func TestStatuses(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	migrations := []Migration{
		{Version: 1, Name: "001_visit_workflow.sql"},
		{Version: 2, Name: "002_saga_journal.sql"},
	}

	got := statuses(migrations, map[int]time.Time{1: at})
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].AppliedAt == nil || !got[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 001 applied at %v, got %+v", at, got[0])
	}
	if got[1].Applied || got[1].AppliedAt != nil {
		t.Errorf("expected migration 002 pending, got %+v", got[1])
	}
}
