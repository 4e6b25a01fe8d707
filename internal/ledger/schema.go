package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the run ledger layout version. Bump it whenever schema.sql
// changes; an older ledger must be deleted, which only loses history.
const schemaVersion = 1

// ErrSchemaMismatch reports a ledger written by a different schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// initSchema creates the tables in a fresh ledger and refuses one written by
// another version. Result streams never depend on the ledger.
func (s *Store) initSchema(ctx context.Context) error {
	version, found, err := s.storedVersion(ctx)
	if err != nil {
		return err
	}
	if !found {
		return s.createSchema(ctx)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: ledger %s has version %d, expected %d (delete it to reset run history)",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	}
	return nil
}

// storedVersion reads the ledger's recorded version. found is false until the
// schema_version table exists.
func (s *Store) storedVersion(ctx context.Context) (version int, found bool, err error) {
	var tables int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tables)
	if err != nil {
		return 0, false, fmt.Errorf("check schema_version table: %w", err)
	}
	if tables == 0 {
		return 0, false, nil
	}
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return 0, false, fmt.Errorf("read ledger schema version: %w", err)
	}
	return version, true, nil
}

// createSchema applies schema.sql and stamps the version in one transaction,
// so a crash never leaves a half-built ledger.
func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record ledger schema version: %w", err)
	}
	return tx.Commit()
}
