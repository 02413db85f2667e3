package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wheelsproxy/wheelsproxy"
)

var (
	indexCounter, indexDuration = opMetrics("index")
)

// UpsertIndex implements datastore.IndexStore.
func (s *Store) UpsertIndex(ctx context.Context, idx *wheelsproxy.Index) error {
	const query = `
	INSERT INTO upstream_index (slug, url, backend)
	VALUES ($1, $2, $3)
	ON CONFLICT (slug) DO UPDATE SET url = excluded.url, backend = excluded.backend
	RETURNING id, last_update_serial;
	`
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, idx.Slug, idx.URL, idx.Backend).
		Scan(&idx.ID, &idx.LastUpdateSerial)
	indexCounter.WithLabelValues("upsert").Add(1)
	indexDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to upsert index %q: %w", idx.Slug, err)
	}
	return nil
}

// IndexBySlug implements datastore.IndexStore.
func (s *Store) IndexBySlug(ctx context.Context, slug string) (*wheelsproxy.Index, error) {
	const query = `
	SELECT id, slug, url, backend, last_update_serial
	FROM upstream_index
	WHERE slug = $1;
	`
	var idx wheelsproxy.Index
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, slug).
		Scan(&idx.ID, &idx.Slug, &idx.URL, &idx.Backend, &idx.LastUpdateSerial)
	indexCounter.WithLabelValues("byslug").Add(1)
	indexDuration.WithLabelValues("byslug").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("index %q: %w", slug, wheelsproxy.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to retrieve index %q: %w", slug, err)
	}
	return &idx, nil
}

// Indexes implements datastore.IndexStore.
func (s *Store) Indexes(ctx context.Context) ([]wheelsproxy.Index, error) {
	const query = `
	SELECT id, slug, url, backend, last_update_serial
	FROM upstream_index
	ORDER BY slug;
	`
	start := time.Now()
	rows, err := s.pool.Query(ctx, query)
	indexCounter.WithLabelValues("list").Add(1)
	indexDuration.WithLabelValues("list").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve indexes: %w", err)
	}
	defer rows.Close()

	var out []wheelsproxy.Index
	for rows.Next() {
		var idx wheelsproxy.Index
		if err := rows.Scan(&idx.ID, &idx.Slug, &idx.URL, &idx.Backend, &idx.LastUpdateSerial); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// SetLastUpdateSerial implements datastore.IndexStore.
//
// The WHERE clause makes the cursor monotone: writes with a smaller serial
// than the stored one do not apply.
func (s *Store) SetLastUpdateSerial(ctx context.Context, indexID, serial int64) error {
	const query = `
	UPDATE upstream_index
	SET last_update_serial = $2
	WHERE id = $1
	  AND (last_update_serial IS NULL OR last_update_serial < $2);
	`
	start := time.Now()
	_, err := s.pool.Exec(ctx, query, indexID, serial)
	indexCounter.WithLabelValues("setserial").Add(1)
	indexDuration.WithLabelValues("setserial").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to set last_update_serial: %w", err)
	}
	return nil
}
