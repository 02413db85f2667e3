package migrations

const (
	// migration1 is the initial catalog schema: the upstream indexes being
	// tracked, the packages and releases replicated from them, the build
	// targets, and the per-(release, platform) build slots.
	migration1 = `
	--- UpstreamIndex
	--- one row per upstream package index; last_update_serial is the
	--- change-log cursor, NULL until an initial sweep completes
	CREATE TABLE IF NOT EXISTS upstream_index (
		id BIGSERIAL PRIMARY KEY,
		slug text NOT NULL,
		url text NOT NULL,
		backend text NOT NULL,
		last_update_serial bigint
	);
	CREATE UNIQUE INDEX IF NOT EXISTS upstream_index_slug_idx ON upstream_index (slug);

	--- Package
	--- slug is the PEP 503 normalized form and the lookup key;
	--- name preserves the first-observed display form
	CREATE TABLE IF NOT EXISTS package (
		id BIGSERIAL PRIMARY KEY,
		index_id bigint NOT NULL REFERENCES upstream_index (id) ON DELETE CASCADE,
		name text NOT NULL,
		slug text NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS package_index_slug_idx ON package (index_id, slug);

	--- Release
	--- one row per (package, version); url is the chosen source artifact
	CREATE TABLE IF NOT EXISTS release (
		id BIGSERIAL PRIMARY KEY,
		package_id bigint NOT NULL REFERENCES package (id) ON DELETE CASCADE,
		version text NOT NULL,
		url text NOT NULL,
		md5_digest text NOT NULL DEFAULT '',
		last_update timestamptz NOT NULL DEFAULT now()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS release_package_version_idx ON release (package_id, version);

	--- Platform
	--- a build target; environment is the captured marker environment
	CREATE TABLE IF NOT EXISTS platform (
		id BIGSERIAL PRIMARY KEY,
		slug text NOT NULL,
		type text NOT NULL,
		spec text NOT NULL,
		environment jsonb,
		setup_commands jsonb
	);
	CREATE UNIQUE INDEX IF NOT EXISTS platform_slug_idx ON platform (slug);

	--- Build
	--- the build slot for a (release, platform); artifact <> '' means built
	CREATE TABLE IF NOT EXISTS build (
		id BIGSERIAL PRIMARY KEY,
		release_id bigint NOT NULL REFERENCES release (id) ON DELETE CASCADE,
		platform_id bigint NOT NULL REFERENCES platform (id) ON DELETE CASCADE,
		artifact text NOT NULL DEFAULT '',
		filesize bigint NOT NULL DEFAULT 0,
		md5_digest text NOT NULL DEFAULT '',
		metadata jsonb,
		build_timestamp timestamptz,
		build_duration_ns bigint NOT NULL DEFAULT 0,
		build_log text NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS build_release_platform_idx ON build (release_id, platform_id);

	--- ExternalBuild
	--- like build, but keyed by a bare URL requirement instead of a release
	CREATE TABLE IF NOT EXISTS external_build (
		id BIGSERIAL PRIMARY KEY,
		external_url text NOT NULL,
		platform_id bigint NOT NULL REFERENCES platform (id) ON DELETE CASCADE,
		artifact text NOT NULL DEFAULT '',
		filesize bigint NOT NULL DEFAULT 0,
		md5_digest text NOT NULL DEFAULT '',
		metadata jsonb,
		build_timestamp timestamptz,
		build_duration_ns bigint NOT NULL DEFAULT 0,
		build_log text NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS external_build_url_platform_idx ON external_build (external_url, platform_id);

	--- Compilation
	--- one compile job; the two result tracks transition pending -> done|failed
	CREATE TABLE IF NOT EXISTS compilation (
		id BIGSERIAL PRIMARY KEY,
		ref uuid NOT NULL,
		platform_id bigint NOT NULL REFERENCES platform (id) ON DELETE CASCADE,
		requirements text NOT NULL,
		index_slugs text[] NOT NULL,
		index_url text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now(),
		internal_status text NOT NULL DEFAULT 'pending',
		internal_result text NOT NULL DEFAULT '',
		internal_log text NOT NULL DEFAULT '',
		internal_timestamp timestamptz,
		internal_duration_ns bigint NOT NULL DEFAULT 0,
		pip_status text NOT NULL DEFAULT 'pending',
		pip_result text NOT NULL DEFAULT '',
		pip_log text NOT NULL DEFAULT '',
		pip_timestamp timestamptz,
		pip_duration_ns bigint NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS compilation_ref_idx ON compilation (ref);
	`
)
