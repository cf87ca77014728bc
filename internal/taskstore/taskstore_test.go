package taskstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	schema := `
	CREATE TABLE edited_files (
		session_id TEXT NOT NULL,
		file_path  TEXT NOT NULL,
		edited_at  INTEGER NOT NULL
	);
	CREATE TABLE decisions (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		summary    TEXT NOT NULL,
		reasoning  TEXT,
		file_path  TEXT,
		line       INTEGER,
		decided_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatal(err)
	}

	inserts := []string{
		`INSERT INTO edited_files VALUES ('s1', 'internal/api/server.go', 100)`,
		`INSERT INTO edited_files VALUES ('s1', 'internal/api/server.go', 120)`,
		`INSERT INTO edited_files VALUES ('s1', 'cmd/server/main.go', 110)`,
		`INSERT INTO edited_files VALUES ('s2', 'other.go', 105)`,
		`INSERT INTO decisions VALUES ('d1', 's1', 'use sqlite', 'single file deployment', 'internal/taskstore/taskstore.go', 35, 100)`,
		`INSERT INTO decisions VALUES ('d2', 's1', 'drop redis', NULL, NULL, NULL, 130)`,
	}
	for _, q := range inserts {
		if _, err := db.Exec(q); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestOpen_MissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "absent.db"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if s != nil {
		t.Fatal("missing file should yield nil store")
	}

	// Nil store methods are safe no-ops.
	files, err := s.EditedFiles(context.Background(), "s1", 5)
	if err != nil || files != nil {
		t.Errorf("nil store EditedFiles = %v, %v", files, err)
	}
}

func TestEditedFiles(t *testing.T) {
	s, err := Open(seedDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	files, err := s.EditedFiles(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2 distinct entries", files)
	}
	if files[0] != "internal/api/server.go" {
		t.Errorf("most recent first: got %v", files)
	}
	for _, f := range files {
		if f == "other.go" {
			t.Error("leaked file from another session")
		}
	}
}

func TestDecisions(t *testing.T) {
	s, err := Open(seedDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	decisions, err := s.Decisions(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Fatalf("decisions = %+v", decisions)
	}
	if decisions[0].ID != "d2" || decisions[0].Reasoning != "" {
		t.Errorf("decisions[0] = %+v, want d2 with empty reasoning", decisions[0])
	}
	if decisions[1].Reasoning != "single file deployment" {
		t.Errorf("decisions[1].Reasoning = %q", decisions[1].Reasoning)
	}
	if decisions[0].FilePath != "" || decisions[0].Line != 0 {
		t.Errorf("decisions[0] location = %q:%d, want empty", decisions[0].FilePath, decisions[0].Line)
	}
	if decisions[1].FilePath != "internal/taskstore/taskstore.go" || decisions[1].Line != 35 {
		t.Errorf("decisions[1] location = %q:%d", decisions[1].FilePath, decisions[1].Line)
	}
}
