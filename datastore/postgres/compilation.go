package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wheelsproxy/wheelsproxy"
)

var (
	compilationCounter, compilationDuration = opMetrics("compilation")
)

// CreateCompilation implements datastore.CompilationStore.
func (s *Store) CreateCompilation(ctx context.Context, c *wheelsproxy.Compilation) error {
	const query = `
	INSERT INTO compilation (ref, platform_id, requirements, index_slugs, index_url)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id, created_at;
	`
	if c.Ref == uuid.Nil {
		c.Ref = uuid.New()
	}
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, c.Ref, c.PlatformID, c.Requirements, c.IndexSlugs, c.IndexURL).
		Scan(&c.ID, &c.CreatedAt)
	compilationCounter.WithLabelValues("create").Add(1)
	compilationDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to create compilation: %w", err)
	}
	c.Internal.Status = wheelsproxy.CompilePending
	c.Pip.Status = wheelsproxy.CompilePending
	return nil
}

// CompilationByRef implements datastore.CompilationStore.
func (s *Store) CompilationByRef(ctx context.Context, ref uuid.UUID) (*wheelsproxy.Compilation, error) {
	const query = `
	SELECT id, ref, platform_id, requirements, index_slugs, index_url, created_at,
		   internal_status, internal_result, internal_log, internal_timestamp, internal_duration_ns,
		   pip_status, pip_result, pip_log, pip_timestamp, pip_duration_ns
	FROM compilation
	WHERE ref = $1;
	`
	var c wheelsproxy.Compilation
	var iTS, pTS *time.Time
	var iDur, pDur int64
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, ref).
		Scan(&c.ID, &c.Ref, &c.PlatformID, &c.Requirements, &c.IndexSlugs, &c.IndexURL, &c.CreatedAt,
			&c.Internal.Status, &c.Internal.Result, &c.Internal.Log, &iTS, &iDur,
			&c.Pip.Status, &c.Pip.Result, &c.Pip.Log, &pTS, &pDur)
	compilationCounter.WithLabelValues("byref").Add(1)
	compilationDuration.WithLabelValues("byref").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("compilation %v: %w", ref, wheelsproxy.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to retrieve compilation %v: %w", ref, err)
	}
	if iTS != nil {
		c.Internal.Timestamp = *iTS
	}
	if pTS != nil {
		c.Pip.Timestamp = *pTS
	}
	c.Internal.Duration = time.Duration(iDur)
	c.Pip.Duration = time.Duration(pDur)
	return &c, nil
}

// SetCompilationTrack implements datastore.CompilationStore.
//
// The WHERE clause enforces the one-way transition: only a pending track
// accepts a result.
func (s *Store) SetCompilationTrack(ctx context.Context, id int64, track string, t *wheelsproxy.CompilationTrack) error {
	const (
		internal = `
		UPDATE compilation
		SET internal_status = $2, internal_result = $3, internal_log = $4, internal_timestamp = $5, internal_duration_ns = $6
		WHERE id = $1
		  AND internal_status = 'pending';
		`
		pip = `
		UPDATE compilation
		SET pip_status = $2, pip_result = $3, pip_log = $4, pip_timestamp = $5, pip_duration_ns = $6
		WHERE id = $1
		  AND pip_status = 'pending';
		`
	)
	var query string
	switch track {
	case "internal":
		query = internal
	case "pip":
		query = pip
	default:
		return fmt.Errorf("unknown compilation track %q", track)
	}
	switch t.Status {
	case wheelsproxy.CompileDone, wheelsproxy.CompileFailed:
	default:
		return fmt.Errorf("invalid track transition to %q", t.Status)
	}
	start := time.Now()
	tag, err := s.pool.Exec(ctx, query, id, t.Status, t.Result, t.Log, t.Timestamp, int64(t.Duration))
	compilationCounter.WithLabelValues("settrack").Add(1)
	compilationDuration.WithLabelValues("settrack").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to set compilation track: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("compilation %d track %q is not pending", id, track)
	}
	return nil
}
