package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/migrations"
	"github.com/cmw1990/offline_sync/internal/retry"
)

// PgxIface is common interface for every pgx class
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// PgxPoolIface is interface representing pgx pool
type PgxPoolIface interface {
	PgxIface
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
	Ping(ctx context.Context) error
}

type ConnConfigCallback = func(*pgxpool.Config) error

// Postgres is a Store backed by the durable_records table.
type Postgres struct {
	pool  PgxIface
	close func()
}

// NewPostgres wraps an existing pgx pool or connection. The caller keeps ownership
// of the pool; Close is a no-op.
func NewPostgres(pool PgxIface) *Postgres {
	return &Postgres{pool: pool, close: func() {}}
}

// NewPool creates a new pgx pool for the given connection string
func NewPool(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (*pgxpool.Pool, error) {
	connConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	logger := logrus.WithField("component", "postgresql")
	if connConfig.ConnConfig.ConnectTimeout == 0 {
		connConfig.ConnConfig.ConnectTimeout = time.Second * 5
	}
	connConfig.MaxConnIdleTime = 15 * time.Second
	connConfig.ConnConfig.RuntimeParams["application_name"] = "offline_sync"
	connConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.WithField("severity", n.Severity).WithField("notice", n.Message).Info("Notice received")
	}
	for _, f := range callbacks {
		if err := f(connConfig); err != nil {
			return nil, err
		}
	}
	return pgxpool.NewWithConfig(ctx, connConfig)
}

// OpenPostgresWithRetry connects to PostgreSQL with backoff, applies migrations
// and returns a Store owning the pool.
func OpenPostgresWithRetry(ctx context.Context, connStr string) (*Postgres, error) {
	var pool *pgxpool.Pool
	err := retry.WithOperation(ctx, retry.PostgreSQLDefaults(), func() error {
		var attemptErr error
		pool, attemptErr = NewPool(ctx, connStr)
		if attemptErr != nil {
			return attemptErr
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			pool.Close()
			return pingErr
		}
		return nil
	}, "Postgres connect")
	if err != nil {
		logrus.WithError(err).Error("Failed to establish PostgreSQL connection after all retries")
		return nil, err
	}

	if err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool, close: pool.Close}, nil
}

// ApplyMigrations checks and applies database migrations if needed
func ApplyMigrations(ctx context.Context, pool PgxPoolIface) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migrations: %w", err)
	}
	defer conn.Release()

	needsMigration, err := migrations.NeedsUpgrade(ctx, conn.Conn())
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	if needsMigration {
		logrus.Info("Applying database migrations...")
		if err := migrations.Apply(ctx, conn.Conn()); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		logrus.Info("Database migrations completed successfully")
	} else {
		logrus.Debug("Database schema is up to date")
	}

	return nil
}

// Get implements Store.Get
func (p *Postgres) Get(ctx context.Context, bucket, key string) (Record, error) {
	rec := Record{Key: key}
	err := p.pool.QueryRow(ctx,
		`SELECT idx, value FROM durable_records WHERE bucket = $1 AND key = $2`, bucket, key).
		Scan(&rec.Index, &rec.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, wrap("get", bucket, key, err)
	}
	return rec, nil
}

// Put implements Store.Put
func (p *Postgres) Put(ctx context.Context, bucket string, rec Record) error {
	value := rec.Value
	if value == nil {
		value = []byte{}
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO durable_records (bucket, key, idx, value, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (bucket, key) DO UPDATE SET
		idx = EXCLUDED.idx, value = EXCLUDED.value, updated_at = now()`,
		bucket, rec.Key, rec.Index, value)
	return wrap("put", bucket, rec.Key, err)
}

// Delete implements Store.Delete
func (p *Postgres) Delete(ctx context.Context, bucket, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM durable_records WHERE bucket = $1 AND key = $2`, bucket, key)
	return wrap("delete", bucket, key, err)
}

// GetAll implements Store.GetAll
func (p *Postgres) GetAll(ctx context.Context, bucket string) ([]Record, error) {
	return p.query(ctx, bucket, `SELECT key, idx, value FROM durable_records
		WHERE bucket = $1
		ORDER BY key ASC`, bucket)
}

// IndexScan implements Store.IndexScan
func (p *Postgres) IndexScan(ctx context.Context, bucket, index string) ([]Record, error) {
	return p.query(ctx, bucket, `SELECT key, idx, value FROM durable_records
		WHERE bucket = $1 AND idx = $2
		ORDER BY key ASC`, bucket, index)
}

func (p *Postgres) query(ctx context.Context, bucket, query string, args ...any) ([]Record, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("scan", bucket, "", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Index, &rec.Value); err != nil {
			return nil, wrap("scan", bucket, "", fmt.Errorf("error scanning record: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("scan", bucket, "", fmt.Errorf("error iterating records: %w", err))
	}
	return records, nil
}

// Close closes the pool if this store owns it
func (p *Postgres) Close() error {
	p.close()
	return nil
}
