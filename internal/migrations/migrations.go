// Package migrations contains the PostgreSQL schema migrations for the durable record store.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// createTablesSQL creates the durable record table shared by the sync queue and cache buckets
const createTablesSQL = `
	CREATE TABLE IF NOT EXISTS durable_records (
		bucket text NOT NULL,
		key text NOT NULL,
		idx text NOT NULL DEFAULT '',
		value bytea NOT NULL,
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		PRIMARY KEY(bucket, key)
	);

	CREATE INDEX IF NOT EXISTS idx_durable_records_bucket_idx ON durable_records(bucket, idx);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_durable_records",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		// adding new migration here
	)
}

// TableName is the table that tracks applied migrations
const TableName = "offline_sync_migrations"

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
	migratorErr      error
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName(TableName),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
