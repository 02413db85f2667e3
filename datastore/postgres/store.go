// Package postgres implements the catalog store on PostgreSQL.
//
// SQL is kept as constants next to the method issuing it; every method
// reports per-query counters and latency histograms.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/remind101/migrate"

	"github.com/wheelsproxy/wheelsproxy/datastore"
	"github.com/wheelsproxy/wheelsproxy/datastore/postgres/migrations"
)

var _ datastore.Catalog = (*Store)(nil)

// Store implements datastore.Catalog over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store using the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InitStore optionally runs migrations and returns a Store.
func InitStore(_ context.Context, pool *pgxpool.Pool, doMigration bool) (*Store, error) {
	if doMigration {
		db := stdlib.OpenDB(*pool.Config().ConnConfig)
		defer db.Close()
		migrator := migrate.NewPostgresMigrator(db)
		migrator.Table = migrations.MigrationTable
		if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
			return nil, fmt.Errorf("failed to perform migrations: %w", err)
		}
	}
	return NewStore(pool), nil
}

// Close releases the underlying pool.
func (s *Store) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool, for the server binary's health check.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
