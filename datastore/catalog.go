// Package datastore holds the interfaces implemented by catalog
// persistence backends.
//
// The interfaces are split by the entity they manage; Catalog is the union
// the facades consume. The canonical implementation lives in
// datastore/postgres.
package datastore

import (
	"context"

	"github.com/google/uuid"

	"github.com/wheelsproxy/wheelsproxy"
)

// IndexStore manages upstream index rows.
type IndexStore interface {
	// UpsertIndex creates or updates the index named by its slug and fills
	// in the row ID.
	UpsertIndex(ctx context.Context, idx *wheelsproxy.Index) error
	// IndexBySlug reports wheelsproxy.ErrNotFound when no such index
	// exists.
	IndexBySlug(ctx context.Context, slug string) (*wheelsproxy.Index, error)
	Indexes(ctx context.Context) ([]wheelsproxy.Index, error)
	// SetLastUpdateSerial advances the change-log cursor. The serial never
	// regresses: a smaller value than the stored one is a no-op.
	SetLastUpdateSerial(ctx context.Context, indexID, serial int64) error
}

// PackageStore manages package rows under an index.
type PackageStore interface {
	// UpsertPackage normalizes name and creates the package if absent. The
	// display name recorded on first create is preserved by later upserts.
	UpsertPackage(ctx context.Context, indexID int64, name string) (*wheelsproxy.Package, error)
	// PackageBySlug reports wheelsproxy.ErrNotFound when no such package
	// exists. The slug must already be normalized.
	PackageBySlug(ctx context.Context, indexID int64, slug string) (*wheelsproxy.Package, error)
	// PackageIDs reports every package ID under the index.
	PackageIDs(ctx context.Context, indexID int64) (map[int64]string, error)
	// PackageSlugs reports the distinct package slugs across the indexes,
	// sorted.
	PackageSlugs(ctx context.Context, indexIDs []int64) ([]string, error)
	// DeletePackages removes the named packages, cascading to their
	// releases and builds, and reports what was removed so callers can
	// invalidate caches and reap stored artifacts.
	DeletePackages(ctx context.Context, ids []int64) ([]PackageDeletion, error)
	// SearchPackages matches package names against a substring pattern.
	SearchPackages(ctx context.Context, indexIDs []int64, pattern string, limit int) ([]wheelsproxy.Package, error)
}

// PackageDeletion describes one package removed by DeletePackages.
type PackageDeletion struct {
	ID   int64
	Slug string
	// Artifacts are the blob paths of the package's built wheels, to be
	// deleted from the blob store by the caller.
	Artifacts []string
}

// ReleaseStore manages release rows under a package.
type ReleaseStore interface {
	// ReplaceReleases reconciles the package's releases with desired in a
	// single transaction: missing versions are inserted, differing url or
	// digest values updated, and versions not in desired deleted. It
	// reports the artifact paths of builds orphaned by deletions.
	ReplaceReleases(ctx context.Context, packageID int64, desired []wheelsproxy.ReleaseDescriptor) (orphaned []string, err error)
	// ReleasesByPackage reports the package's releases, newest version
	// first.
	ReleasesByPackage(ctx context.Context, packageID int64) ([]wheelsproxy.Release, error)
	// ReleaseByVersion reports wheelsproxy.ErrNotFound when the package has
	// no such version.
	ReleaseByVersion(ctx context.Context, packageID int64, version string) (*wheelsproxy.Release, error)
}

// BuildStore manages build rows, internal and external.
type BuildStore interface {
	// GetOrCreateBuild returns the build row for the pair, creating an
	// empty one if absent. Concurrent callers converge on the same row.
	GetOrCreateBuild(ctx context.Context, releaseID, platformID int64) (*wheelsproxy.Build, error)
	BuildByID(ctx context.Context, id int64) (*wheelsproxy.Build, error)
	// BuildOwner resolves the naming context of a build: the slugs and
	// version that place its artifact in the blob store and key its cache
	// invalidation.
	BuildOwner(ctx context.Context, buildID int64) (*BuildOwner, error)
	// UpdateBuildArtifact persists the artifact fields of b in one
	// statement.
	UpdateBuildArtifact(ctx context.Context, b *wheelsproxy.Build) error
	// ResetBuild clears the artifact fields ahead of a forced rebuild.
	ResetBuild(ctx context.Context, buildID int64) error

	GetOrCreateExternalBuild(ctx context.Context, externalURL string, platformID int64) (*wheelsproxy.ExternalBuild, error)
	UpdateExternalBuildArtifact(ctx context.Context, b *wheelsproxy.ExternalBuild) error
}

// BuildOwner is the naming context of an internal build.
type BuildOwner struct {
	IndexSlug   string
	PackageID   int64
	PackageSlug string
	PackageName string
	Version     string
	// ReleaseURL is the source artifact the build compiles.
	ReleaseURL string
	ReleaseMD5 string
}

// PlatformStore manages platform rows.
type PlatformStore interface {
	UpsertPlatform(ctx context.Context, p *wheelsproxy.Platform) error
	// PlatformBySlug reports wheelsproxy.ErrNotFound when no such platform
	// exists.
	PlatformBySlug(ctx context.Context, slug string) (*wheelsproxy.Platform, error)
	// PlatformByID reports wheelsproxy.ErrNotFound when no such platform
	// exists.
	PlatformByID(ctx context.Context, id int64) (*wheelsproxy.Platform, error)
	Platforms(ctx context.Context) ([]wheelsproxy.Platform, error)
	// SetPlatformEnvironment stores the captured marker environment.
	SetPlatformEnvironment(ctx context.Context, platformID int64, env map[string]string) error
}

// CompilationStore records compile jobs and their per-track outcomes.
type CompilationStore interface {
	// CreateCompilation inserts the job and fills in its ID and Ref.
	CreateCompilation(ctx context.Context, c *wheelsproxy.Compilation) error
	// CompilationByRef reports wheelsproxy.ErrNotFound for unknown refs.
	CompilationByRef(ctx context.Context, ref uuid.UUID) (*wheelsproxy.Compilation, error)
	// SetCompilationTrack transitions the named track ("internal" or
	// "pip") out of pending. The transition is one-way; a second call for
	// the same track is an error.
	SetCompilationTrack(ctx context.Context, id int64, track string, t *wheelsproxy.CompilationTrack) error
}

// Catalog is the full store interface the facades are wired with.
type Catalog interface {
	IndexStore
	PackageStore
	ReleaseStore
	BuildStore
	PlatformStore
	CompilationStore

	// Close releases the store's resources.
	Close(ctx context.Context) error
}
