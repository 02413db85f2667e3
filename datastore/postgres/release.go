package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep440"
)

var (
	releaseCounter, releaseDuration = opMetrics("release")
)

// ReplaceReleases implements datastore.ReleaseStore.
func (s *Store) ReplaceReleases(ctx context.Context, packageID int64, desired []wheelsproxy.ReleaseDescriptor) ([]string, error) {
	const (
		selectCurrent = `
		SELECT id, version, url, md5_digest
		FROM release
		WHERE package_id = $1;
		`
		insert = `
		INSERT INTO release (package_id, version, url, md5_digest)
		VALUES ($1, $2, $3, $4);
		`
		update = `
		UPDATE release
		SET url = $2, md5_digest = $3, last_update = now()
		WHERE id = $1;
		`
		selectOrphans = `
		SELECT build.artifact
		FROM build
		WHERE build.release_id = ANY($1)
		  AND build.artifact <> '';
		`
		deleteGone = `
		DELETE FROM release
		WHERE id = ANY($1);
		`
	)
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/ReplaceReleases")

	want := make(map[string]*wheelsproxy.ReleaseDescriptor, len(desired))
	for i := range desired {
		want[desired[i].Version] = &desired[i]
	}

	tctx, done := context.WithTimeout(ctx, 5*time.Second)
	tx, err := s.pool.Begin(tctx)
	done()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	start := time.Now()
	rows, err := tx.Query(ctx, selectCurrent, packageID)
	releaseCounter.WithLabelValues("select").Add(1)
	releaseDuration.WithLabelValues("select").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve releases: %w", err)
	}
	type current struct {
		id       int64
		url, md5 string
	}
	have := make(map[string]current)
	for rows.Next() {
		var c current
		var version string
		if err := rows.Scan(&c.id, &version, &c.url, &c.md5); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		have[version] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var inserted, updated int
	var gone []int64
	for version, c := range have {
		d, ok := want[version]
		if !ok {
			gone = append(gone, c.id)
			continue
		}
		if d.URL != c.url || d.MD5Digest != c.md5 {
			start := time.Now()
			_, err := tx.Exec(ctx, update, c.id, d.URL, d.MD5Digest)
			releaseCounter.WithLabelValues("update").Add(1)
			releaseDuration.WithLabelValues("update").Observe(time.Since(start).Seconds())
			if err != nil {
				return nil, fmt.Errorf("failed to update release %q: %w", version, err)
			}
			updated++
		}
	}
	for version, d := range want {
		if _, ok := have[version]; ok {
			continue
		}
		start := time.Now()
		_, err := tx.Exec(ctx, insert, packageID, version, d.URL, d.MD5Digest)
		releaseCounter.WithLabelValues("insert").Add(1)
		releaseDuration.WithLabelValues("insert").Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("failed to insert release %q: %w", version, err)
		}
		inserted++
	}

	var orphaned []string
	if len(gone) > 0 {
		start := time.Now()
		rows, err := tx.Query(ctx, selectOrphans, gone)
		releaseCounter.WithLabelValues("orphans").Add(1)
		releaseDuration.WithLabelValues("orphans").Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve orphaned artifacts: %w", err)
		}
		for rows.Next() {
			var a string
			if err := rows.Scan(&a); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan orphaned artifact: %w", err)
			}
			orphaned = append(orphaned, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		start = time.Now()
		_, err = tx.Exec(ctx, deleteGone, gone)
		releaseCounter.WithLabelValues("delete").Add(1)
		releaseDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("failed to delete releases: %w", err)
		}
	}

	tctx, done = context.WithTimeout(ctx, 5*time.Second)
	err = tx.Commit(tctx)
	done()
	if err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	zlog.Debug(ctx).
		Int64("package", packageID).
		Int("inserted", inserted).
		Int("updated", updated).
		Int("deleted", len(gone)).
		Msg("replaced releases")
	return orphaned, nil
}

// ReleasesByPackage implements datastore.ReleaseStore.
//
// Rows come back in PEP 440 descending order. The ordering is computed here
// rather than in SQL, since version strings do not collate usefully.
func (s *Store) ReleasesByPackage(ctx context.Context, packageID int64) ([]wheelsproxy.Release, error) {
	const query = `
	SELECT id, package_id, version, url, md5_digest, last_update
	FROM release
	WHERE package_id = $1;
	`
	start := time.Now()
	rows, err := s.pool.Query(ctx, query, packageID)
	releaseCounter.WithLabelValues("bypackage").Add(1)
	releaseDuration.WithLabelValues("bypackage").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve releases: %w", err)
	}
	defer rows.Close()

	var out []wheelsproxy.Release
	for rows.Next() {
		var r wheelsproxy.Release
		if err := rows.Scan(&r.ID, &r.PackageID, &r.Version, &r.URL, &r.MD5Digest, &r.LastUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortReleases(out)
	return out, nil
}

// SortReleases orders releases newest-first by PEP 440 rules. Versions that
// fail to parse sort last, lexically.
func SortReleases(rs []wheelsproxy.Release) {
	type parsed struct {
		v  pep440.Version
		ok bool
	}
	cache := make(map[string]parsed, len(rs))
	get := func(s string) parsed {
		p, ok := cache[s]
		if !ok {
			v, err := pep440.Parse(s)
			p = parsed{v: v, ok: err == nil}
			cache[s] = p
		}
		return p
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := get(rs[i].Version), get(rs[j].Version)
		switch {
		case a.ok && b.ok:
			return a.v.Compare(&b.v) > 0
		case a.ok:
			return true
		case b.ok:
			return false
		}
		return rs[i].Version > rs[j].Version
	})
}

// ReleaseByVersion implements datastore.ReleaseStore.
func (s *Store) ReleaseByVersion(ctx context.Context, packageID int64, version string) (*wheelsproxy.Release, error) {
	const query = `
	SELECT id, package_id, version, url, md5_digest, last_update
	FROM release
	WHERE package_id = $1
	  AND version = $2;
	`
	var r wheelsproxy.Release
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, packageID, version).
		Scan(&r.ID, &r.PackageID, &r.Version, &r.URL, &r.MD5Digest, &r.LastUpdate)
	releaseCounter.WithLabelValues("byversion").Add(1)
	releaseDuration.WithLabelValues("byversion").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("release %q: %w", version, wheelsproxy.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to retrieve release %q: %w", version, err)
	}
	return &r, nil
}
