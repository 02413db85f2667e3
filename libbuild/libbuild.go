// Package libbuild schedules wheel builds: it deduplicates concurrent
// requests for the same build, persists the outcome, and hands out the
// URLs installers download artifacts from.
package libbuild

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/blobstore"
	"github.com/wheelsproxy/wheelsproxy/builder"
	"github.com/wheelsproxy/wheelsproxy/datastore"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
	"github.com/wheelsproxy/wheelsproxy/locksource"
)

// Builder produces wheels. The production implementation is
// builder.Builder; tests substitute fakes.
type Builder interface {
	Build(ctx context.Context, job *builder.Job) (*builder.Result, error)
}

// Options configures a Libbuild.
type Options struct {
	Store   datastore.Catalog
	Blobs   blobstore.Store
	Builder Builder
	// Cache has its serial counters bumped when a build completes, so
	// cached link pages pick up the new artifact.
	Cache *linkcache.Cache
	// Locker coalesces concurrent requests for the same build. Defaults
	// to a process-local lock source.
	Locker locksource.ContextLock
	// AlwaysRedirect forces link pages to point at the trigger endpoint
	// even for finished builds, trading an extra request per download for
	// activity stats.
	AlwaysRedirect bool
}

// Libbuild is the build scheduler.
type Libbuild struct {
	store          datastore.Catalog
	blobs          blobstore.Store
	builder        Builder
	cache          *linkcache.Cache
	locker         locksource.ContextLock
	alwaysRedirect bool
}

// New constructs a Libbuild from opts.
func New(_ context.Context, opts *Options) (*Libbuild, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("libbuild: options missing a store")
	case opts.Blobs == nil:
		return nil, errors.New("libbuild: options missing a blob store")
	case opts.Builder == nil:
		return nil, errors.New("libbuild: options missing a builder")
	case opts.Cache == nil:
		return nil, errors.New("libbuild: options missing a link cache")
	}
	l := &Libbuild{
		store:          opts.Store,
		blobs:          opts.Blobs,
		builder:        opts.Builder,
		cache:          opts.Cache,
		locker:         opts.Locker,
		alwaysRedirect: opts.AlwaysRedirect,
	}
	if l.locker == nil {
		l.locker = &locksource.Local{}
	}
	return l, nil
}

// EnsureBuilt returns the build with its artifact populated, running the
// build pipeline if needed.
//
// At most one build per (release, platform) runs at a time; a concurrent
// caller waits on the first and then observes its result instead of
// starting a duplicate container.
func (l *Libbuild) EnsureBuilt(ctx context.Context, b *wheelsproxy.Build) (*wheelsproxy.Build, error) {
	if b.Built() {
		return b, nil
	}
	key := buildKey(b.ReleaseID, b.PlatformID)
	lctx, done := l.locker.Lock(ctx, key)
	defer done()
	if err := lctx.Err(); err != nil {
		return nil, err
	}
	// The previous holder may have finished this very build while we
	// waited.
	cur, err := l.store.BuildByID(lctx, b.ID)
	if err != nil {
		return nil, err
	}
	if cur.Built() {
		return cur, nil
	}
	return l.build(lctx, cur)
}

// Rebuild discards any existing artifact and runs the pipeline again. The
// new wheel lands on the same blob path, overwriting the old one.
func (l *Libbuild) Rebuild(ctx context.Context, b *wheelsproxy.Build) (*wheelsproxy.Build, error) {
	key := buildKey(b.ReleaseID, b.PlatformID)
	lctx, done := l.locker.Lock(ctx, key)
	defer done()
	if err := lctx.Err(); err != nil {
		return nil, err
	}
	if err := l.store.ResetBuild(lctx, b.ID); err != nil {
		return nil, err
	}
	cur, err := l.store.BuildByID(lctx, b.ID)
	if err != nil {
		return nil, err
	}
	return l.build(lctx, cur)
}

func buildKey(releaseID, platformID int64) string {
	return locksource.Key("build", strconv.FormatInt(releaseID, 10), strconv.FormatInt(platformID, 10))
}

// build runs the pipeline for b and persists the outcome. The caller holds
// the build lock.
func (l *Libbuild) build(ctx context.Context, b *wheelsproxy.Build) (*wheelsproxy.Build, error) {
	owner, err := l.store.BuildOwner(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	platform, err := l.store.PlatformByID(ctx, b.PlatformID)
	if err != nil {
		return nil, err
	}
	ctx = zlog.ContextWithValues(ctx,
		"component", "libbuild/Libbuild.build",
		"package", owner.PackageSlug,
		"version", owner.Version,
		"platform", platform.Slug)

	res, err := l.builder.Build(ctx, &builder.Job{Platform: platform, URL: owner.ReleaseURL})
	var failed *builder.BuildFailedError
	switch {
	case errors.As(err, &failed):
		// The row keeps the log; the empty artifact keeps it "not
		// built".
		b.BuildLog = failed.Log
		b.BuildTimestamp = time.Now()
		if uerr := l.store.UpdateBuildArtifact(ctx, b); uerr != nil {
			return nil, errors.Join(err, uerr)
		}
		return nil, err
	case err != nil:
		return nil, err
	}
	defer res.Close()

	artifact := blobstore.BuildPath(owner.IndexSlug, platform.Slug, owner.PackageSlug, owner.Version, res.Filename)
	if err := l.save(ctx, artifact, res); err != nil {
		return nil, err
	}

	b.Artifact = artifact
	b.Filesize = res.Filesize
	b.MD5Digest = res.MD5Digest
	b.Metadata = res.Metadata
	b.BuildTimestamp = time.Now()
	b.BuildDuration = res.Duration
	b.BuildLog = res.Log
	if err := l.store.UpdateBuildArtifact(ctx, b); err != nil {
		return nil, err
	}
	if err := l.cache.Invalidate(ctx, owner.IndexSlug, owner.PackageSlug); err != nil {
		return nil, err
	}
	zlog.Info(ctx).Str("artifact", artifact).Msg("build stored")
	return b, nil
}

// EnsureExternalBuilt is EnsureBuilt for direct-reference URLs. The
// artifact path is keyed by a hash of the URL; no link page depends on it,
// so there is nothing to invalidate.
func (l *Libbuild) EnsureExternalBuilt(ctx context.Context, xb *wheelsproxy.ExternalBuild) (*wheelsproxy.ExternalBuild, error) {
	if xb.Built() {
		return xb, nil
	}
	platform, err := l.store.PlatformByID(ctx, xb.PlatformID)
	if err != nil {
		return nil, err
	}
	key := locksource.Key("build", "external", strconv.FormatInt(xb.ID, 10))
	lctx, done := l.locker.Lock(ctx, key)
	defer done()
	if err := lctx.Err(); err != nil {
		return nil, err
	}
	cur, err := l.store.GetOrCreateExternalBuild(lctx, xb.ExternalURL, xb.PlatformID)
	if err != nil {
		return nil, err
	}
	if cur.Built() {
		return cur, nil
	}
	ctx = zlog.ContextWithValues(lctx,
		"component", "libbuild/Libbuild.EnsureExternalBuilt",
		"url", cur.ExternalURL,
		"platform", platform.Slug)

	res, err := l.builder.Build(ctx, &builder.Job{Platform: platform, URL: cur.ExternalURL})
	var failed *builder.BuildFailedError
	switch {
	case errors.As(err, &failed):
		cur.BuildLog = failed.Log
		cur.BuildTimestamp = time.Now()
		if uerr := l.store.UpdateExternalBuildArtifact(ctx, cur); uerr != nil {
			return nil, errors.Join(err, uerr)
		}
		return nil, err
	case err != nil:
		return nil, err
	}
	defer res.Close()

	artifact := blobstore.ExternalBuildPath(platform.Slug, cur.ExternalURL, res.Filename)
	if err := l.save(ctx, artifact, res); err != nil {
		return nil, err
	}
	cur.Artifact = artifact
	cur.Filesize = res.Filesize
	cur.MD5Digest = res.MD5Digest
	cur.Metadata = res.Metadata
	cur.BuildTimestamp = time.Now()
	cur.BuildDuration = res.Duration
	cur.BuildLog = res.Log
	if err := l.store.UpdateExternalBuildArtifact(ctx, cur); err != nil {
		return nil, err
	}
	zlog.Info(ctx).Str("artifact", artifact).Msg("external build stored")
	return cur, nil
}

// save streams the built wheel into the blob store.
func (l *Libbuild) save(ctx context.Context, artifact string, res *builder.Result) error {
	f, err := res.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	if err := l.blobs.Save(ctx, artifact, f, res.Filesize); err != nil {
		return fmt.Errorf("libbuild: failed to store artifact %q: %w", artifact, err)
	}
	return nil
}

// ArtifactURL reports where a finished build's wheel is downloaded from.
func (l *Libbuild) ArtifactURL(ctx context.Context, artifact string) (string, error) {
	if artifact == "" {
		return "", fmt.Errorf("libbuild: build has no artifact")
	}
	return l.blobs.URL(ctx, artifact)
}

// DownloadURL reports the anchor target a link page uses for b.
//
// A finished build points straight at its artifact unless AlwaysRedirect
// is on; everything else points at the trigger endpoint, which builds on
// demand and redirects.
func (l *Libbuild) DownloadURL(ctx context.Context, b *wheelsproxy.Build, owner *datastore.BuildOwner, indexSlugs []string, platformSlug string) (string, error) {
	if b.Built() && !l.alwaysRedirect {
		return l.blobs.URL(ctx, b.Artifact)
	}
	var filename string
	if b.Built() {
		filename = path.Base(b.Artifact)
	} else {
		filename = urlBasename(owner.ReleaseURL)
	}
	return fmt.Sprintf("/v1/%s/%s/+simple/%s/%s/download/%d/%s",
		strings.Join(indexSlugs, "+"), platformSlug,
		owner.PackageSlug, owner.Version, b.ID, filename), nil
}

// Digest reports the md5 an installer can verify the download against: the
// built wheel's when available, else the upstream artifact's.
func Digest(b *wheelsproxy.Build, owner *datastore.BuildOwner) string {
	if b.Built() {
		return b.MD5Digest
	}
	return owner.ReleaseMD5
}

// urlBasename is the final path segment of a URL, with any query or
// fragment stripped.
func urlBasename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return path.Base(raw)
	}
	return path.Base(u.Path)
}
