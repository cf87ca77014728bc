// Package taskstore reads the local SQLite task database maintained by the
// offline capture tooling. The proxy consumes it strictly as a read-only
// source of "edited files" and "key decisions" facts for memory injection;
// a missing database is the normal state on machines without capture.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/steersman-proxy/steersman/internal/session"
)

// Store wraps the read-only task database connection.
type Store struct {
	db *sql.DB
}

// Open connects to the task database at path. A missing file yields a nil
// store, which every method treats as "no facts".
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.WithField("path", path).Debug("task store not found, fact injection disabled")
		return nil, nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("taskstore: open %s: %w", path, err)
	}
	// Single connection: the capture tool may hold the write lock.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EditedFiles returns the distinct files recorded as edited for a session,
// most recent first.
func (s *Store) EditedFiles(ctx context.Context, sessionID string, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT file_path
		FROM edited_files
		WHERE session_id = ?
		ORDER BY edited_at DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("taskstore: edited files query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("taskstore: scan edited file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Decisions returns the key decisions recorded for a session, most recent
// first.
func (s *Store) Decisions(ctx context.Context, sessionID string, limit int) ([]session.Decision, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, COALESCE(reasoning, ''),
		       COALESCE(file_path, ''), COALESCE(line, 0)
		FROM decisions
		WHERE session_id = ?
		ORDER BY decided_at DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("taskstore: decisions query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []session.Decision
	for rows.Next() {
		var d session.Decision
		if err := rows.Scan(&d.ID, &d.Summary, &d.Reasoning, &d.FilePath, &d.Line); err != nil {
			return nil, fmt.Errorf("taskstore: scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
