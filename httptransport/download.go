package httptransport

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/builder"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep440"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep503"
)

// download triggers the build if needed and redirects to the artifact.
//
// The build ID in the path is the fast path; when it points at nothing,
// perhaps because the catalog was re-imported since the link page was
// rendered, the build is recovered from the package and version segments.
func (h *HTTP) download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	indexes, platform, ok := h.scope(w, r)
	if !ok {
		return
	}

	var b *wheelsproxy.Build
	if id, err := strconv.ParseInt(r.PathValue("buildID"), 10, 64); err == nil {
		b, err = h.store.BuildByID(ctx, id)
		switch {
		case errors.Is(err, wheelsproxy.ErrNotFound):
			b = nil
		case err != nil:
			internalError(w, err)
			return
		}
	}
	if b == nil {
		slug := pep503.Normalize(r.PathValue("package"))
		version := pep440.Canonicalize(r.PathValue("version"))
		for _, idx := range indexes {
			pkg, err := h.store.PackageBySlug(ctx, idx.ID, slug)
			switch {
			case errors.Is(err, wheelsproxy.ErrNotFound):
				continue
			case err != nil:
				internalError(w, err)
				return
			}
			rel, err := h.store.ReleaseByVersion(ctx, pkg.ID, version)
			switch {
			case errors.Is(err, wheelsproxy.ErrNotFound):
				continue
			case err != nil:
				internalError(w, err)
				return
			}
			b, err = h.store.GetOrCreateBuild(ctx, rel.ID, platform.ID)
			if err != nil {
				internalError(w, err)
				return
			}
			break
		}
	}
	if b == nil {
		notFound(w, "build not found")
		return
	}

	built, err := h.builds.EnsureBuilt(ctx, b)
	var failed *builder.BuildFailedError
	switch {
	case errors.As(err, &failed):
		zlog.Info(ctx).Int64("build", b.ID).Msg("build failed")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(failed.Log))
		return
	case err != nil:
		internalError(w, err)
		return
	}
	u, err := h.builds.ArtifactURL(ctx, built.Artifact)
	if err != nil {
		internalError(w, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}
