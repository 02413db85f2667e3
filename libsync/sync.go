package libsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep440"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep503"
	"github.com/wheelsproxy/wheelsproxy/pkg/submit"
	"github.com/wheelsproxy/wheelsproxy/upstream"
)

// BatchResult is the outcome of one import batch during the initial sweep.
type BatchResult struct {
	// Succeeded maps imported names to their package IDs.
	Succeeded map[string]int64
	// Ignored lists names that imported empty (no acceptable releases).
	Ignored []string
	// Failed maps names to the error that sank their import.
	Failed map[string]string
}

// initialSweep reconciles the catalog with the full upstream package list.
//
// The upstream serial is snapshotted before the listing, so events arriving
// during the sweep stay past the cursor and are replayed afterwards.
// Packages that stopped existing upstream are recognized by elimination:
// every ID not touched by an import batch is deleted at the end.
func (s *Syncer) initialSweep(ctx context.Context, idx *wheelsproxy.Index, client upstream.Client) error {
	ctx = zlog.ContextWithValues(ctx, "component", "libsync/Syncer.initialSweep")

	serial, err := client.LastSerial(ctx)
	if err != nil {
		return err
	}
	names, err := client.ListPackages(ctx)
	if err != nil {
		return err
	}
	known, err := s.store.PackageIDs(ctx, idx.ID)
	if err != nil {
		return err
	}
	zlog.Info(ctx).
		Int("upstream", len(names)).
		Int("known", len(known)).
		Int64("serial", serial).
		Msg("starting initial sweep")

	chunk := func(ctx context.Context, names []string) (BatchResult, error) {
		return s.importBatch(ctx, idx, client, names), nil
	}
	for res := range submit.Each(ctx, s.concurrency, submit.Chunks(names, s.chunkSize), chunk) {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, id := range res.Value.Succeeded {
			delete(known, id)
		}
		for name, msg := range res.Value.Failed {
			zlog.Warn(ctx).Str("package", name).Str("error", msg).Msg("import failed")
		}
	}

	if len(known) > 0 {
		ids := make([]int64, 0, len(known))
		for id := range known {
			ids = append(ids, id)
		}
		zlog.Info(ctx).Int("count", len(ids)).Msg("removing packages gone upstream")
		if err := s.deletePackages(ctx, idx, ids); err != nil {
			return err
		}
	}
	if err := s.store.SetLastUpdateSerial(ctx, idx.ID, serial); err != nil {
		return err
	}
	if idx.LastUpdateSerial == nil || serial > *idx.LastUpdateSerial {
		idx.LastUpdateSerial = &serial
	}
	return nil
}

// importBatch imports a chunk of names, sorting each into the result
// triple. Individual failures never sink the batch.
func (s *Syncer) importBatch(ctx context.Context, idx *wheelsproxy.Index, client upstream.Client, names []string) BatchResult {
	res := BatchResult{
		Succeeded: make(map[string]int64, len(names)),
		Failed:    make(map[string]string),
	}
	for _, name := range names {
		id, imported, err := s.ImportPackage(ctx, idx, client, name)
		switch {
		case err != nil:
			res.Failed[name] = err.Error()
		case imported:
			res.Succeeded[name] = id
		default:
			res.Ignored = append(res.Ignored, name)
		}
	}
	return res
}

// replay walks the change log past the stored cursor, importing named
// packages and dropping ones that turn up empty.
//
// The cursor is persisted once the traversal ends; a traversal that aborts
// mid-way still persists whatever progress it made, so replayed work is
// bounded.
func (s *Syncer) replay(ctx context.Context, idx *wheelsproxy.Index, client upstream.Client) (err error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libsync/Syncer.replay")
	var cursor int64
	if idx.LastUpdateSerial != nil {
		cursor = *idx.LastUpdateSerial
	}
	serial := cursor
	defer func() {
		if serial <= cursor {
			return
		}
		// Persist progress even when the traversal died with the
		// context.
		pctx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		perr := s.store.SetLastUpdateSerial(pctx, idx.ID, serial)
		if perr != nil {
			err = errors.Join(err, perr)
			return
		}
		idx.LastUpdateSerial = &serial
	}()

	events := 0
	for ev, iterErr := range client.IterUpdates(ctx, cursor) {
		if iterErr != nil {
			return iterErr
		}
		if ev.Name != "" {
			if _, _, err := s.ImportPackage(ctx, idx, client, ev.Name); err != nil {
				return fmt.Errorf("import of %q at serial %d: %w", ev.Name, ev.Serial, err)
			}
		}
		if ev.Serial > serial {
			serial = ev.Serial
		}
		events++
	}
	if events > 0 {
		zlog.Info(ctx).Int("events", events).Int64("serial", serial).Msg("replayed change log")
	}
	return nil
}

// ImportPackage brings one package's releases in line with upstream.
//
// Per version the best artifact is a single descriptor: the sdist when one
// exists, else a universal wheel. A package left with no acceptable
// releases is removed; imported reports whether the package still exists
// afterwards.
func (s *Syncer) ImportPackage(ctx context.Context, idx *wheelsproxy.Index, client upstream.Client, name string) (id int64, imported bool, err error) {
	start := time.Now()
	defer func() {
		importDuration.WithLabelValues(idx.Slug).Observe(time.Since(start).Seconds())
	}()

	releases, err := client.PackageReleases(ctx, name)
	switch {
	case errors.Is(err, upstream.ErrPackageNotFound):
		releases = nil
	case err != nil:
		return 0, false, err
	}

	desired := make([]wheelsproxy.ReleaseDescriptor, 0, len(releases))
	seen := make(map[string]struct{}, len(releases))
	for version, descs := range releases {
		best := wheelsproxy.BestDescriptor(descs)
		if best == nil {
			continue
		}
		d := *best
		d.Version = pep440.Canonicalize(version)
		if _, dup := seen[d.Version]; dup {
			continue
		}
		seen[d.Version] = struct{}{}
		desired = append(desired, d)
	}

	if len(desired) == 0 {
		return 0, false, s.dropPackage(ctx, idx, name)
	}

	pkg, err := s.store.UpsertPackage(ctx, idx.ID, name)
	if err != nil {
		return 0, false, err
	}
	orphaned, err := s.store.ReplaceReleases(ctx, pkg.ID, desired)
	if err != nil {
		return 0, false, err
	}
	s.reapArtifacts(ctx, orphaned)
	if err := s.cache.Invalidate(ctx, idx.Slug, pkg.Slug); err != nil {
		return 0, false, err
	}
	return pkg.ID, true, nil
}

// dropPackage removes the local row for a package that vanished upstream,
// if one exists.
func (s *Syncer) dropPackage(ctx context.Context, idx *wheelsproxy.Index, name string) error {
	pkg, err := s.store.PackageBySlug(ctx, idx.ID, pep503.Normalize(name))
	switch {
	case errors.Is(err, wheelsproxy.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	return s.deletePackages(ctx, idx, []int64{pkg.ID})
}

// deletePackages removes catalog rows and everything hanging off them:
// stored artifacts are reaped and the link cache rotated.
func (s *Syncer) deletePackages(ctx context.Context, idx *wheelsproxy.Index, ids []int64) error {
	deletions, err := s.store.DeletePackages(ctx, ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range deletions {
		s.reapArtifacts(ctx, d.Artifacts)
		if err := s.cache.Invalidate(ctx, idx.Slug, d.Slug); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reapArtifacts deletes orphaned blobs. Failures are logged, not
// propagated: the catalog rows are already gone and a leaked blob is
// preferable to a wedged sync.
func (s *Syncer) reapArtifacts(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := s.blobs.Delete(ctx, p); err != nil {
			zlog.Warn(ctx).Err(err).Str("artifact", p).Msg("failed to delete orphaned artifact")
		}
	}
}
