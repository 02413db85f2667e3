package test

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/datastore"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep440"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep503"
)

// Catalog is an in-memory datastore.Catalog for tests.
//
// Semantics follow the postgres implementation: normalized package slugs,
// monotone serials, one-way compilation track transitions. It is safe for
// concurrent use.
type Catalog struct {
	mu     sync.Mutex
	nextID int64

	indexes      map[int64]*wheelsproxy.Index
	packages     map[int64]*wheelsproxy.Package
	releases     map[int64]*wheelsproxy.Release
	builds       map[int64]*wheelsproxy.Build
	externals    map[int64]*wheelsproxy.ExternalBuild
	platforms    map[int64]*wheelsproxy.Platform
	compilations map[int64]*wheelsproxy.Compilation
}

var _ datastore.Catalog = (*Catalog)(nil)

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		indexes:      make(map[int64]*wheelsproxy.Index),
		packages:     make(map[int64]*wheelsproxy.Package),
		releases:     make(map[int64]*wheelsproxy.Release),
		builds:       make(map[int64]*wheelsproxy.Build),
		externals:    make(map[int64]*wheelsproxy.ExternalBuild),
		platforms:    make(map[int64]*wheelsproxy.Platform),
		compilations: make(map[int64]*wheelsproxy.Compilation),
	}
}

func (c *Catalog) id() int64 {
	c.nextID++
	return c.nextID
}

// Close implements datastore.Catalog.
func (c *Catalog) Close(context.Context) error { return nil }

// UpsertIndex implements datastore.IndexStore.
func (c *Catalog) UpsertIndex(_ context.Context, idx *wheelsproxy.Index) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.indexes {
		if have.Slug == idx.Slug {
			have.URL = idx.URL
			have.Backend = idx.Backend
			*idx = *have
			return nil
		}
	}
	idx.ID = c.id()
	cp := *idx
	c.indexes[idx.ID] = &cp
	return nil
}

// IndexBySlug implements datastore.IndexStore.
func (c *Catalog) IndexBySlug(_ context.Context, slug string) (*wheelsproxy.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.indexes {
		if idx.Slug == slug {
			cp := *idx
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("index %q: %w", slug, wheelsproxy.ErrNotFound)
}

// Indexes implements datastore.IndexStore.
func (c *Catalog) Indexes(context.Context) ([]wheelsproxy.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wheelsproxy.Index, 0, len(c.indexes))
	for _, idx := range c.indexes {
		out = append(out, *idx)
	}
	slices.SortFunc(out, func(a, b wheelsproxy.Index) int { return int(a.ID - b.ID) })
	return out, nil
}

// SetLastUpdateSerial implements datastore.IndexStore.
func (c *Catalog) SetLastUpdateSerial(_ context.Context, indexID, serial int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[indexID]
	if !ok {
		return fmt.Errorf("index %d: %w", indexID, wheelsproxy.ErrNotFound)
	}
	if idx.LastUpdateSerial == nil || *idx.LastUpdateSerial < serial {
		idx.LastUpdateSerial = &serial
	}
	return nil
}

// UpsertPackage implements datastore.PackageStore.
func (c *Catalog) UpsertPackage(_ context.Context, indexID int64, name string) (*wheelsproxy.Package, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slug := pep503.Normalize(name)
	for _, p := range c.packages {
		if p.IndexID == indexID && p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	p := &wheelsproxy.Package{ID: c.id(), IndexID: indexID, Name: name, Slug: slug}
	c.packages[p.ID] = p
	cp := *p
	return &cp, nil
}

// PackageBySlug implements datastore.PackageStore.
func (c *Catalog) PackageBySlug(_ context.Context, indexID int64, slug string) (*wheelsproxy.Package, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.packages {
		if p.IndexID == indexID && p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("package %q: %w", slug, wheelsproxy.ErrNotFound)
}

// PackageIDs implements datastore.PackageStore.
func (c *Catalog) PackageIDs(_ context.Context, indexID int64) (map[int64]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]string)
	for _, p := range c.packages {
		if p.IndexID == indexID {
			out[p.ID] = p.Slug
		}
	}
	return out, nil
}

// PackageSlugs implements datastore.PackageStore.
func (c *Catalog) PackageSlugs(_ context.Context, indexIDs []int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{})
	for _, p := range c.packages {
		if slices.Contains(indexIDs, p.IndexID) {
			seen[p.Slug] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out, nil
}

// DeletePackages implements datastore.PackageStore.
func (c *Catalog) DeletePackages(_ context.Context, ids []int64) ([]datastore.PackageDeletion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []datastore.PackageDeletion
	for _, id := range ids {
		p, ok := c.packages[id]
		if !ok {
			continue
		}
		d := datastore.PackageDeletion{ID: id, Slug: p.Slug}
		for rid, r := range c.releases {
			if r.PackageID != id {
				continue
			}
			for bid, b := range c.builds {
				if b.ReleaseID == rid {
					if b.Artifact != "" {
						d.Artifacts = append(d.Artifacts, b.Artifact)
					}
					delete(c.builds, bid)
				}
			}
			delete(c.releases, rid)
		}
		delete(c.packages, id)
		out = append(out, d)
	}
	return out, nil
}

// SearchPackages implements datastore.PackageStore.
func (c *Catalog) SearchPackages(_ context.Context, indexIDs []int64, pattern string, limit int) ([]wheelsproxy.Package, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	needle := pep503.Normalize(pattern)
	var out []wheelsproxy.Package
	for _, p := range c.packages {
		if slices.Contains(indexIDs, p.IndexID) && strings.Contains(p.Slug, needle) {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b wheelsproxy.Package) int { return strings.Compare(a.Slug, b.Slug) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReplaceReleases implements datastore.ReleaseStore.
func (c *Catalog) ReplaceReleases(_ context.Context, packageID int64, desired []wheelsproxy.ReleaseDescriptor) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := make(map[string]wheelsproxy.ReleaseDescriptor, len(desired))
	for _, d := range desired {
		want[d.Version] = d
	}
	var orphaned []string
	for rid, r := range c.releases {
		if r.PackageID != packageID {
			continue
		}
		d, keep := want[r.Version]
		if keep {
			if r.URL != d.URL || r.MD5Digest != d.MD5Digest {
				r.URL, r.MD5Digest = d.URL, d.MD5Digest
				r.LastUpdate = time.Now()
			}
			delete(want, r.Version)
			continue
		}
		for bid, b := range c.builds {
			if b.ReleaseID == rid {
				if b.Artifact != "" {
					orphaned = append(orphaned, b.Artifact)
				}
				delete(c.builds, bid)
			}
		}
		delete(c.releases, rid)
	}
	for _, d := range want {
		r := &wheelsproxy.Release{
			ID:         c.id(),
			PackageID:  packageID,
			Version:    d.Version,
			URL:        d.URL,
			MD5Digest:  d.MD5Digest,
			LastUpdate: time.Now(),
		}
		c.releases[r.ID] = r
	}
	return orphaned, nil
}

// ReleasesByPackage implements datastore.ReleaseStore.
func (c *Catalog) ReleasesByPackage(_ context.Context, packageID int64) ([]wheelsproxy.Release, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wheelsproxy.Release
	for _, r := range c.releases {
		if r.PackageID == packageID {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b wheelsproxy.Release) int {
		av, aerr := pep440.Parse(a.Version)
		bv, berr := pep440.Parse(b.Version)
		switch {
		case aerr == nil && berr == nil:
			return bv.Compare(&av)
		case aerr == nil:
			return -1
		case berr == nil:
			return 1
		}
		return strings.Compare(b.Version, a.Version)
	})
	return out, nil
}

// ReleaseByVersion implements datastore.ReleaseStore.
func (c *Catalog) ReleaseByVersion(_ context.Context, packageID int64, version string) (*wheelsproxy.Release, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.releases {
		if r.PackageID == packageID && r.Version == version {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("release %q: %w", version, wheelsproxy.ErrNotFound)
}

// GetOrCreateBuild implements datastore.BuildStore.
func (c *Catalog) GetOrCreateBuild(_ context.Context, releaseID, platformID int64) (*wheelsproxy.Build, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.builds {
		if b.ReleaseID == releaseID && b.PlatformID == platformID {
			cp := *b
			return &cp, nil
		}
	}
	if _, ok := c.releases[releaseID]; !ok {
		return nil, fmt.Errorf("release %d: %w", releaseID, wheelsproxy.ErrNotFound)
	}
	b := &wheelsproxy.Build{ID: c.id(), ReleaseID: releaseID, PlatformID: platformID}
	c.builds[b.ID] = b
	cp := *b
	return &cp, nil
}

// BuildByID implements datastore.BuildStore.
func (c *Catalog) BuildByID(_ context.Context, id int64) (*wheelsproxy.Build, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.builds[id]
	if !ok {
		return nil, fmt.Errorf("build %d: %w", id, wheelsproxy.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

// BuildOwner implements datastore.BuildStore.
func (c *Catalog) BuildOwner(_ context.Context, buildID int64) (*datastore.BuildOwner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.builds[buildID]
	if !ok {
		return nil, fmt.Errorf("build %d: %w", buildID, wheelsproxy.ErrNotFound)
	}
	r, ok := c.releases[b.ReleaseID]
	if !ok {
		return nil, fmt.Errorf("release %d: %w", b.ReleaseID, wheelsproxy.ErrNotFound)
	}
	p, ok := c.packages[r.PackageID]
	if !ok {
		return nil, fmt.Errorf("package %d: %w", r.PackageID, wheelsproxy.ErrNotFound)
	}
	idx, ok := c.indexes[p.IndexID]
	if !ok {
		return nil, fmt.Errorf("index %d: %w", p.IndexID, wheelsproxy.ErrNotFound)
	}
	return &datastore.BuildOwner{
		IndexSlug:   idx.Slug,
		PackageID:   p.ID,
		PackageSlug: p.Slug,
		PackageName: p.Name,
		Version:     r.Version,
		ReleaseURL:  r.URL,
		ReleaseMD5:  r.MD5Digest,
	}, nil
}

// UpdateBuildArtifact implements datastore.BuildStore.
func (c *Catalog) UpdateBuildArtifact(_ context.Context, b *wheelsproxy.Build) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	have, ok := c.builds[b.ID]
	if !ok {
		return fmt.Errorf("build %d: %w", b.ID, wheelsproxy.ErrNotFound)
	}
	have.Artifact = b.Artifact
	have.Filesize = b.Filesize
	have.MD5Digest = b.MD5Digest
	have.Metadata = b.Metadata
	have.BuildTimestamp = b.BuildTimestamp
	have.BuildDuration = b.BuildDuration
	have.BuildLog = b.BuildLog
	return nil
}

// ResetBuild implements datastore.BuildStore.
func (c *Catalog) ResetBuild(_ context.Context, buildID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.builds[buildID]
	if !ok {
		return fmt.Errorf("build %d: %w", buildID, wheelsproxy.ErrNotFound)
	}
	*b = wheelsproxy.Build{ID: b.ID, ReleaseID: b.ReleaseID, PlatformID: b.PlatformID}
	return nil
}

// GetOrCreateExternalBuild implements datastore.BuildStore.
func (c *Catalog) GetOrCreateExternalBuild(_ context.Context, externalURL string, platformID int64) (*wheelsproxy.ExternalBuild, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.externals {
		if b.ExternalURL == externalURL && b.PlatformID == platformID {
			cp := *b
			return &cp, nil
		}
	}
	b := &wheelsproxy.ExternalBuild{ID: c.id(), ExternalURL: externalURL, PlatformID: platformID}
	c.externals[b.ID] = b
	cp := *b
	return &cp, nil
}

// UpdateExternalBuildArtifact implements datastore.BuildStore.
func (c *Catalog) UpdateExternalBuildArtifact(_ context.Context, b *wheelsproxy.ExternalBuild) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	have, ok := c.externals[b.ID]
	if !ok {
		return fmt.Errorf("external build %d: %w", b.ID, wheelsproxy.ErrNotFound)
	}
	have.Artifact = b.Artifact
	have.Filesize = b.Filesize
	have.MD5Digest = b.MD5Digest
	have.Metadata = b.Metadata
	have.BuildTimestamp = b.BuildTimestamp
	have.BuildDuration = b.BuildDuration
	have.BuildLog = b.BuildLog
	return nil
}

// UpsertPlatform implements datastore.PlatformStore.
func (c *Catalog) UpsertPlatform(_ context.Context, p *wheelsproxy.Platform) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.platforms {
		if have.Slug == p.Slug {
			have.Type = p.Type
			have.Spec = p.Spec
			have.SetupCommands = p.SetupCommands
			*p = *have
			return nil
		}
	}
	p.ID = c.id()
	cp := *p
	c.platforms[p.ID] = &cp
	return nil
}

// PlatformBySlug implements datastore.PlatformStore.
func (c *Catalog) PlatformBySlug(_ context.Context, slug string) (*wheelsproxy.Platform, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.platforms {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("platform %q: %w", slug, wheelsproxy.ErrNotFound)
}

// PlatformByID implements datastore.PlatformStore.
func (c *Catalog) PlatformByID(_ context.Context, id int64) (*wheelsproxy.Platform, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.platforms[id]
	if !ok {
		return nil, fmt.Errorf("platform %d: %w", id, wheelsproxy.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// Platforms implements datastore.PlatformStore.
func (c *Catalog) Platforms(context.Context) ([]wheelsproxy.Platform, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wheelsproxy.Platform, 0, len(c.platforms))
	for _, p := range c.platforms {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b wheelsproxy.Platform) int { return int(a.ID - b.ID) })
	return out, nil
}

// SetPlatformEnvironment implements datastore.PlatformStore.
func (c *Catalog) SetPlatformEnvironment(_ context.Context, platformID int64, env map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.platforms[platformID]
	if !ok {
		return fmt.Errorf("platform %d: %w", platformID, wheelsproxy.ErrNotFound)
	}
	p.Environment = env
	return nil
}

// CreateCompilation implements datastore.CompilationStore.
func (c *Catalog) CreateCompilation(_ context.Context, comp *wheelsproxy.Compilation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp.ID = c.id()
	comp.Ref = uuid.New()
	comp.CreatedAt = time.Now()
	comp.Internal.Status = wheelsproxy.CompilePending
	comp.Pip.Status = wheelsproxy.CompilePending
	cp := *comp
	c.compilations[comp.ID] = &cp
	return nil
}

// CompilationByRef implements datastore.CompilationStore.
func (c *Catalog) CompilationByRef(_ context.Context, ref uuid.UUID) (*wheelsproxy.Compilation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, comp := range c.compilations {
		if comp.Ref == ref {
			cp := *comp
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("compilation %s: %w", ref, wheelsproxy.ErrNotFound)
}

// SetCompilationTrack implements datastore.CompilationStore.
func (c *Catalog) SetCompilationTrack(_ context.Context, id int64, track string, t *wheelsproxy.CompilationTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.compilations[id]
	if !ok {
		return fmt.Errorf("compilation %d: %w", id, wheelsproxy.ErrNotFound)
	}
	var slot *wheelsproxy.CompilationTrack
	switch track {
	case "internal":
		slot = &comp.Internal
	case "pip":
		slot = &comp.Pip
	default:
		return fmt.Errorf("unknown compilation track %q", track)
	}
	if slot.Status != wheelsproxy.CompilePending {
		return fmt.Errorf("compilation %d track %q already %s", id, track, slot.Status)
	}
	*slot = *t
	return nil
}
