// Package store is the Postgres-backed event store (spec.md §4.7): it
// owns the events table, schema bootstrap, retention sweep, and the
// startup close-stale-active pass, and implements the consumer-defined
// interfaces internal/rules and internal/transcribe depend on.
package store

import (
	"context"
	"database/sql"
	"embed"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a pgx connection pool over the events table.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens the pool, runs pending schema migrations, and closes any
// events left dangling from a previous, unclean shutdown (spec.md §4.7
// "on startup, unconditionally").
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Str("url", maskDSN(databaseURL)).Int32("max_conns", cfg.MaxConns).Msg("event store connected")

	if err := runMigrations(databaseURL, log); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool, log: log.With().Str("component", "store").Logger()}
	if n, err := s.CloseStaleActiveOnStartup(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to close stale active events on startup")
	} else if n > 0 {
		s.log.Warn().Int64("count", n).Msg("closed stale active events left over from a previous run")
	}
	return s, nil
}

func runMigrations(databaseURL string, log zerolog.Logger) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	log.Info().Msg("event store schema up to date")
	return nil
}

// Pool exposes the underlying connection pool for the metrics collector.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// HealthCheck pings the pool with a short timeout, for /api/status.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.log.Info().Msg("closing event store")
	s.pool.Close()
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
