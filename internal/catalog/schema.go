package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stamped into new catalogs and checked on every open. A
// mismatch is a refusal, not a migration: the catalog must be deleted and the
// library re-ingested.
const schemaVersion = 1

// ErrSchemaMismatch reports a catalog created by an incompatible version.
var ErrSchemaMismatch = errors.New("catalog schema mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	initialized, err := s.tableExists(ctx, "schema_version")
	if err != nil {
		return err
	}
	if !initialized {
		return s.createSchema(ctx)
	}

	var stored int
	err = s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		// The table exists but carries no version row: an interrupted create.
		return fmt.Errorf("%w: catalog has no recorded version (delete the catalog and re-ingest)", ErrSchemaMismatch)
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if stored != schemaVersion {
		return fmt.Errorf("%w: catalog has version %d, this build expects %d (delete the catalog and re-ingest)",
			ErrSchemaMismatch, stored, schemaVersion)
	}
	return nil
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("probe table %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
