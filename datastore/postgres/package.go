package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/datastore"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep503"
)

var (
	packageCounter, packageDuration = opMetrics("package")
)

// UpsertPackage implements datastore.PackageStore.
//
// The DO UPDATE arm is a no-op write on the slug; it exists so that
// RETURNING yields the row on conflict. The display name recorded on first
// create wins.
func (s *Store) UpsertPackage(ctx context.Context, indexID int64, name string) (*wheelsproxy.Package, error) {
	const query = `
	INSERT INTO package (index_id, name, slug)
	VALUES ($1, $2, $3)
	ON CONFLICT (index_id, slug) DO UPDATE SET slug = excluded.slug
	RETURNING id, name;
	`
	p := wheelsproxy.Package{
		IndexID: indexID,
		Slug:    pep503.Normalize(name),
	}
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, indexID, name, p.Slug).
		Scan(&p.ID, &p.Name)
	packageCounter.WithLabelValues("upsert").Add(1)
	packageDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert package %q: %w", name, err)
	}
	return &p, nil
}

// PackageBySlug implements datastore.PackageStore.
func (s *Store) PackageBySlug(ctx context.Context, indexID int64, slug string) (*wheelsproxy.Package, error) {
	const query = `
	SELECT id, index_id, name, slug
	FROM package
	WHERE index_id = $1
	  AND slug = $2;
	`
	var p wheelsproxy.Package
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, indexID, slug).
		Scan(&p.ID, &p.IndexID, &p.Name, &p.Slug)
	packageCounter.WithLabelValues("byslug").Add(1)
	packageDuration.WithLabelValues("byslug").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("package %q: %w", slug, wheelsproxy.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to retrieve package %q: %w", slug, err)
	}
	return &p, nil
}

// PackageIDs implements datastore.PackageStore.
func (s *Store) PackageIDs(ctx context.Context, indexID int64) (map[int64]string, error) {
	const query = `
	SELECT id, slug
	FROM package
	WHERE index_id = $1;
	`
	start := time.Now()
	rows, err := s.pool.Query(ctx, query, indexID)
	packageCounter.WithLabelValues("ids").Add(1)
	packageDuration.WithLabelValues("ids").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve package ids: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var slug string
		if err := rows.Scan(&id, &slug); err != nil {
			return nil, fmt.Errorf("failed to scan package id: %w", err)
		}
		out[id] = slug
	}
	return out, rows.Err()
}

// PackageSlugs implements datastore.PackageStore.
func (s *Store) PackageSlugs(ctx context.Context, indexIDs []int64) ([]string, error) {
	const query = `
	SELECT DISTINCT slug
	FROM package
	WHERE index_id = ANY($1)
	ORDER BY slug;
	`
	start := time.Now()
	rows, err := s.pool.Query(ctx, query, indexIDs)
	packageCounter.WithLabelValues("slugs").Add(1)
	packageDuration.WithLabelValues("slugs").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve package slugs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("failed to scan package slug: %w", err)
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}

// DeletePackages implements datastore.PackageStore.
func (s *Store) DeletePackages(ctx context.Context, ids []int64) ([]datastore.PackageDeletion, error) {
	const (
		selectArtifacts = `
		SELECT package.id, package.slug, build.artifact
		FROM package
			 LEFT JOIN release ON release.package_id = package.id
			 LEFT JOIN build ON build.release_id = release.id AND build.artifact <> ''
		WHERE package.id = ANY($1);
		`
		deletePackages = `
		DELETE FROM package
		WHERE id = ANY($1);
		`
	)
	if len(ids) == 0 {
		return nil, nil
	}
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/DeletePackages")

	tctx, done := context.WithTimeout(ctx, 5*time.Second)
	tx, err := s.pool.Begin(tctx)
	done()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	start := time.Now()
	rows, err := tx.Query(ctx, selectArtifacts, ids)
	packageCounter.WithLabelValues("delete_select").Add(1)
	packageDuration.WithLabelValues("delete_select").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve doomed packages: %w", err)
	}
	byID := make(map[int64]int, len(ids))
	var out []datastore.PackageDeletion
	for rows.Next() {
		var id int64
		var slug string
		var artifact *string
		if err := rows.Scan(&id, &slug, &artifact); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan doomed package: %w", err)
		}
		i, ok := byID[id]
		if !ok {
			i = len(out)
			out = append(out, datastore.PackageDeletion{ID: id, Slug: slug})
			byID[id] = i
		}
		if artifact != nil {
			out[i].Artifacts = append(out[i].Artifacts, *artifact)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	tag, err := tx.Exec(ctx, deletePackages, ids)
	packageCounter.WithLabelValues("delete").Add(1)
	packageDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to delete packages: %w", err)
	}

	tctx, done = context.WithTimeout(ctx, 5*time.Second)
	err = tx.Commit(tctx)
	done()
	if err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	zlog.Debug(ctx).
		Int64("deleted", tag.RowsAffected()).
		Msg("deleted packages")
	return out, nil
}
