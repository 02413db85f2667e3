package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/datastore"
)

var (
	buildCounter, buildDuration = opMetrics("build")
)

const buildColumns = `id, release_id, platform_id, artifact, filesize, md5_digest, metadata, build_timestamp, build_duration_ns, build_log`

func scanBuild(row pgx.Row, b *wheelsproxy.Build) error {
	var ts *time.Time
	var durNS int64
	err := row.Scan(&b.ID, &b.ReleaseID, &b.PlatformID, &b.Artifact, &b.Filesize,
		&b.MD5Digest, &b.Metadata, &ts, &durNS, &b.BuildLog)
	if err != nil {
		return err
	}
	if ts != nil {
		b.BuildTimestamp = *ts
	}
	b.BuildDuration = time.Duration(durNS)
	return nil
}

// GetOrCreateBuild implements datastore.BuildStore.
//
// The insert races with concurrent callers; losing is fine, the follow-up
// select always sees the winner's row.
func (s *Store) GetOrCreateBuild(ctx context.Context, releaseID, platformID int64) (*wheelsproxy.Build, error) {
	const (
		insert = `
		INSERT INTO build (release_id, platform_id)
		VALUES ($1, $2)
		ON CONFLICT (release_id, platform_id) DO NOTHING;
		`
		query = `
		SELECT ` + buildColumns + `
		FROM build
		WHERE release_id = $1
		  AND platform_id = $2;
		`
	)
	start := time.Now()
	_, err := s.pool.Exec(ctx, insert, releaseID, platformID)
	buildCounter.WithLabelValues("insert").Add(1)
	buildDuration.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to create build: %w", err)
	}

	var b wheelsproxy.Build
	start = time.Now()
	err = scanBuild(s.pool.QueryRow(ctx, query, releaseID, platformID), &b)
	buildCounter.WithLabelValues("get").Add(1)
	buildDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve build: %w", err)
	}
	return &b, nil
}

// BuildByID implements datastore.BuildStore.
func (s *Store) BuildByID(ctx context.Context, id int64) (*wheelsproxy.Build, error) {
	const query = `
	SELECT ` + buildColumns + `
	FROM build
	WHERE id = $1;
	`
	var b wheelsproxy.Build
	start := time.Now()
	err := scanBuild(s.pool.QueryRow(ctx, query, id), &b)
	buildCounter.WithLabelValues("byid").Add(1)
	buildDuration.WithLabelValues("byid").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("build %d: %w", id, wheelsproxy.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to retrieve build %d: %w", id, err)
	}
	return &b, nil
}

// BuildOwner implements datastore.BuildStore.
func (s *Store) BuildOwner(ctx context.Context, buildID int64) (*datastore.BuildOwner, error) {
	const query = `
	SELECT upstream_index.slug, package.id, package.slug, package.name, release.version, release.url, release.md5_digest
	FROM build
		 JOIN release ON release.id = build.release_id
		 JOIN package ON package.id = release.package_id
		 JOIN upstream_index ON upstream_index.id = package.index_id
	WHERE build.id = $1;
	`
	var o datastore.BuildOwner
	start := time.Now()
	err := s.pool.QueryRow(ctx, query, buildID).
		Scan(&o.IndexSlug, &o.PackageID, &o.PackageSlug, &o.PackageName, &o.Version, &o.ReleaseURL, &o.ReleaseMD5)
	buildCounter.WithLabelValues("owner").Add(1)
	buildDuration.WithLabelValues("owner").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("build %d: %w", buildID, wheelsproxy.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to retrieve build owner: %w", err)
	}
	return &o, nil
}

// UpdateBuildArtifact implements datastore.BuildStore.
func (s *Store) UpdateBuildArtifact(ctx context.Context, b *wheelsproxy.Build) error {
	const query = `
	UPDATE build
	SET artifact = $2,
		filesize = $3,
		md5_digest = $4,
		metadata = $5,
		build_timestamp = $6,
		build_duration_ns = $7,
		build_log = $8
	WHERE id = $1;
	`
	start := time.Now()
	tag, err := s.pool.Exec(ctx, query, b.ID, b.Artifact, b.Filesize, b.MD5Digest,
		b.Metadata, b.BuildTimestamp, int64(b.BuildDuration), b.BuildLog)
	buildCounter.WithLabelValues("update").Add(1)
	buildDuration.WithLabelValues("update").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to update build %d: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("build %d: %w", b.ID, wheelsproxy.ErrNotFound)
	}
	return nil
}

// ResetBuild implements datastore.BuildStore.
func (s *Store) ResetBuild(ctx context.Context, buildID int64) error {
	const query = `
	UPDATE build
	SET artifact = '',
		filesize = 0,
		md5_digest = '',
		metadata = NULL,
		build_timestamp = NULL,
		build_duration_ns = 0,
		build_log = ''
	WHERE id = $1;
	`
	start := time.Now()
	_, err := s.pool.Exec(ctx, query, buildID)
	buildCounter.WithLabelValues("reset").Add(1)
	buildDuration.WithLabelValues("reset").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to reset build %d: %w", buildID, err)
	}
	return nil
}

// GetOrCreateExternalBuild implements datastore.BuildStore.
func (s *Store) GetOrCreateExternalBuild(ctx context.Context, externalURL string, platformID int64) (*wheelsproxy.ExternalBuild, error) {
	const (
		insert = `
		INSERT INTO external_build (external_url, platform_id)
		VALUES ($1, $2)
		ON CONFLICT (external_url, platform_id) DO NOTHING;
		`
		query = `
		SELECT id, external_url, platform_id, artifact, filesize, md5_digest, metadata, build_timestamp, build_duration_ns, build_log
		FROM external_build
		WHERE external_url = $1
		  AND platform_id = $2;
		`
	)
	start := time.Now()
	_, err := s.pool.Exec(ctx, insert, externalURL, platformID)
	buildCounter.WithLabelValues("insert_external").Add(1)
	buildDuration.WithLabelValues("insert_external").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to create external build: %w", err)
	}

	var b wheelsproxy.ExternalBuild
	var ts *time.Time
	var durNS int64
	start = time.Now()
	err = s.pool.QueryRow(ctx, query, externalURL, platformID).
		Scan(&b.ID, &b.ExternalURL, &b.PlatformID, &b.Artifact, &b.Filesize,
			&b.MD5Digest, &b.Metadata, &ts, &durNS, &b.BuildLog)
	buildCounter.WithLabelValues("get_external").Add(1)
	buildDuration.WithLabelValues("get_external").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve external build: %w", err)
	}
	if ts != nil {
		b.BuildTimestamp = *ts
	}
	b.BuildDuration = time.Duration(durNS)
	return &b, nil
}

// UpdateExternalBuildArtifact implements datastore.BuildStore.
func (s *Store) UpdateExternalBuildArtifact(ctx context.Context, b *wheelsproxy.ExternalBuild) error {
	const query = `
	UPDATE external_build
	SET artifact = $2,
		filesize = $3,
		md5_digest = $4,
		metadata = $5,
		build_timestamp = $6,
		build_duration_ns = $7,
		build_log = $8
	WHERE id = $1;
	`
	start := time.Now()
	tag, err := s.pool.Exec(ctx, query, b.ID, b.Artifact, b.Filesize, b.MD5Digest,
		b.Metadata, b.BuildTimestamp, int64(b.BuildDuration), b.BuildLog)
	buildCounter.WithLabelValues("update_external").Add(1)
	buildDuration.WithLabelValues("update_external").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to update external build %d: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("external build %d: %w", b.ID, wheelsproxy.ErrNotFound)
	}
	return nil
}
