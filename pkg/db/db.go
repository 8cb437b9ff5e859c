package db

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// DefaultTimeout bounds every query issued through DB.
const DefaultTimeout = 5 * time.Second

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is a pgx pool whose queries run under a timeout.
type DB struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Open creates a pgx pool for dsn and checks that it is reachable.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	// Transaction-pooling proxies reject prepared statements.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := &DB{pool: pool, timeout: DefaultTimeout}
	if err := d.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the pool.
func (d *DB) Close() {
	if d != nil && d.pool != nil {
		d.pool.Close()
	}
}

// Migrate applies the embedded migrations.
func (d *DB) Migrate(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return errors.New("nil database")
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	connString := d.pool.Config().ConnConfig.ConnString()
	sqlDB, err := goose.OpenDBWithDriver("pgx", connString)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return goose.UpContext(ctx, sqlDB, "migrations")
}

// Exec executes a statement.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return d.pool.Exec(ctx, query, args...)
}

// Get scans a single row into dest.
func (d *DB) Get(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return pgxscan.Get(ctx, d.pool, dest, query, args...)
}

// Select scans all rows into dest.
func (d *DB) Select(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return pgxscan.Select(ctx, d.pool, dest, query, args...)
}

// Ping checks that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.pool.Ping(ctx)
}

// NotFound reports whether err means the query matched no row.
func NotFound(err error) bool {
	return pgxscan.NotFound(err)
}
