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
	platformCounter, platformDuration = opMetrics("platform")
)

// UpsertPlatform implements datastore.PlatformStore.
//
// The captured environment is deliberately not part of the update set: a
// configuration re-apply must not wipe a previously captured environment.
func (s *Store) UpsertPlatform(ctx context.Context, p *wheelsproxy.Platform) error {
	const query = `
	INSERT INTO platform (slug, type, spec, setup_commands)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (slug) DO UPDATE SET type = excluded.type, spec = excluded.spec, setup_commands = excluded.setup_commands
	RETURNING id, environment;
	`
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, p.Slug, p.Type, p.Spec, p.SetupCommands).
		Scan(&p.ID, &p.Environment)
	platformCounter.WithLabelValues("upsert").Add(1)
	platformDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to upsert platform %q: %w", p.Slug, err)
	}
	return nil
}

// PlatformBySlug implements datastore.PlatformStore.
func (s *Store) PlatformBySlug(ctx context.Context, slug string) (*wheelsproxy.Platform, error) {
	const query = `
	SELECT id, slug, type, spec, environment, setup_commands
	FROM platform
	WHERE slug = $1;
	`
	var p wheelsproxy.Platform
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, slug).
		Scan(&p.ID, &p.Slug, &p.Type, &p.Spec, &p.Environment, &p.SetupCommands)
	platformCounter.WithLabelValues("byslug").Add(1)
	platformDuration.WithLabelValues("byslug").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("platform %q: %w", slug, wheelsproxy.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to retrieve platform %q: %w", slug, err)
	}
	return &p, nil
}

// PlatformByID implements datastore.PlatformStore.
func (s *Store) PlatformByID(ctx context.Context, id int64) (*wheelsproxy.Platform, error) {
	const query = `
	SELECT id, slug, type, spec, environment, setup_commands
	FROM platform
	WHERE id = $1;
	`
	var p wheelsproxy.Platform
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, id).
		Scan(&p.ID, &p.Slug, &p.Type, &p.Spec, &p.Environment, &p.SetupCommands)
	platformCounter.WithLabelValues("byid").Add(1)
	platformDuration.WithLabelValues("byid").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("platform %d: %w", id, wheelsproxy.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to retrieve platform %d: %w", id, err)
	}
	return &p, nil
}

// Platforms implements datastore.PlatformStore.
func (s *Store) Platforms(ctx context.Context) ([]wheelsproxy.Platform, error) {
	const query = `
	SELECT id, slug, type, spec, environment, setup_commands
	FROM platform
	ORDER BY slug;
	`
	start := time.Now()
	rows, err := s.pool.Query(ctx, query)
	platformCounter.WithLabelValues("list").Add(1)
	platformDuration.WithLabelValues("list").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve platforms: %w", err)
	}
	defer rows.Close()

	var out []wheelsproxy.Platform
	for rows.Next() {
		var p wheelsproxy.Platform
		if err := rows.Scan(&p.ID, &p.Slug, &p.Type, &p.Spec, &p.Environment, &p.SetupCommands); err != nil {
			return nil, fmt.Errorf("failed to scan platform: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPlatformEnvironment implements datastore.PlatformStore.
func (s *Store) SetPlatformEnvironment(ctx context.Context, platformID int64, env map[string]string) error {
	const query = `
	UPDATE platform
	SET environment = $2
	WHERE id = $1;
	`
	start := time.Now()
	tag, err := s.pool.Exec(ctx, query, platformID, env)
	platformCounter.WithLabelValues("setenv").Add(1)
	platformDuration.WithLabelValues("setenv").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to set platform environment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("platform %d: %w", platformID, wheelsproxy.ErrNotFound)
	}
	return nil
}
