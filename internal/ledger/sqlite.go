package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Lllllllleong/surveyflow/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// SQLite keeps the ledger in a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise ledger schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Done(ctx context.Context, key Key, artifacts ...string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM ledger WHERE pipeline = ? AND stage = ? AND item = ?`,
		key.Pipeline, key.Stage, key.Item).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return AllExist(artifacts...), nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query ledger for %s: %w", key, err)
	}
	if !models.Status(status).Complete() {
		return false, nil
	}
	return AllExist(artifacts...), nil
}

func (s *SQLite) Record(ctx context.Context, e Entry) error {
	r := e.record()
	artifacts, err := json.Marshal(r.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger (pipeline, stage, item, status, artifacts, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pipeline, stage, item) DO UPDATE SET
			status = excluded.status,
			artifacts = excluded.artifacts,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		r.Pipeline, r.Stage, r.Item, string(r.Status), string(artifacts), r.ErrorDetails, r.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Key, err)
	}
	return nil
}

// Lookup returns the stored record for key.
func (s *SQLite) Lookup(ctx context.Context, key Key) (*models.Record, error) {
	var (
		r         = models.Record{Pipeline: key.Pipeline, Stage: key.Stage, Item: key.Item}
		status    string
		artifacts string
		updated   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, artifacts, error, updated_at FROM ledger WHERE pipeline = ? AND stage = ? AND item = ?`,
		key.Pipeline, key.Stage, key.Item).Scan(&status, &artifacts, &r.ErrorDetails, &updated)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", key, err)
	}
	r.Status = models.Status(status)
	if err := json.Unmarshal([]byte(artifacts), &r.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts of %s: %w", key, err)
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &r, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
