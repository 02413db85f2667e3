package httptransport

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/http"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/datastore"
	"github.com/wheelsproxy/wheelsproxy/libbuild"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep503"
)

var listTmpl = template.Must(template.New("list").Parse(`<!DOCTYPE html>
<html>
  <head><title>Simple index</title></head>
  <body>
{{- range .}}
    <a href="{{.}}/">{{.}}</a><br/>
{{- end}}
  </body>
</html>
`))

var linksTmpl = template.Must(template.New("links").Parse(`<!DOCTYPE html>
<html>
  <head><title>Links for {{.Package}}</title></head>
  <body>
    <h1>Links for {{.Package}}</h1>
{{- range .Links}}
    <a href="{{.Href}}" rel="internal">{{.Filename}}</a><br/>
{{- end}}
  </body>
</html>
`))

// listPackages renders the root simple page: every package slug across the
// index set, deduplicated, alphabetical.
func (h *HTTP) listPackages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	indexes, _, ok := h.scope(w, r)
	if !ok {
		return
	}
	ids := make([]int64, len(indexes))
	for i, idx := range indexes {
		ids[i] = idx.ID
	}
	slugs, err := h.store.PackageSlugs(ctx, ids)
	if err != nil {
		internalError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := listTmpl.Execute(&buf, slugs); err != nil {
		internalError(w, err)
		return
	}
	serveHTML(w, r, buf.Bytes())
}

// linkPage renders the per-package link page, served from the cache when
// the serial vector still matches.
func (h *HTTP) linkPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	indexes, platform, ok := h.scope(w, r)
	if !ok {
		return
	}
	raw := r.PathValue("package")
	slug := pep503.Normalize(raw)

	found := false
	for _, idx := range indexes {
		_, err := h.store.PackageBySlug(ctx, idx.ID, slug)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, wheelsproxy.ErrNotFound):
			continue
		default:
			internalError(w, err)
			return
		}
		break
	}
	if !found {
		notFound(w, "package not found")
		return
	}
	if raw != slug {
		// Clients using the display form get pointed at the canonical
		// page, so only one cache entry exists per package.
		u := "/v1/" + r.PathValue("indexes") + "/" + platform.Slug + "/+simple/" + slug + "/"
		http.Redirect(w, r, u, http.StatusMovedPermanently)
		return
	}

	if r.URL.Query().Get("cache") == "off" {
		body, err := h.renderLinks(ctx, indexes, platform, slug)
		if err != nil {
			internalError(w, err)
			return
		}
		serveHTML(w, r, body)
		return
	}

	slugs := indexSlugs(indexes)
	for attempt := 0; ; attempt++ {
		vector, err := h.cache.Vector(ctx, slugs, slug)
		if err != nil {
			zlog.Warn(ctx).Err(err).Msg("link cache unavailable")
			body, err := h.renderLinks(ctx, indexes, platform, slug)
			if err != nil {
				internalError(w, err)
				return
			}
			serveHTML(w, r, body)
			return
		}
		key := linkcache.PageKey(vector, slugs, platform.Slug, slug)
		if body, err := h.cache.Get(ctx, key); err == nil {
			serveHTML(w, r, body)
			return
		}
		body, err := h.renderLinks(ctx, indexes, platform, slug)
		if err != nil {
			internalError(w, err)
			return
		}
		// Only a render whose vector did not move may be cached; a moved
		// vector means the page could predate the change that moved it.
		again, err := h.cache.Vector(ctx, slugs, slug)
		if err == nil && again == vector {
			if err := h.cache.Set(ctx, key, body); err != nil {
				zlog.Warn(ctx).Err(err).Msg("failed to cache link page")
			}
			serveHTML(w, r, body)
			return
		}
		if attempt >= h.cacheRetries {
			serveHTML(w, r, body)
			return
		}
	}
}

type pageLink struct {
	Filename string
	Href     string
}

// renderLinks walks the index set in order and emits one anchor per
// version, the first index carrying a version winning. Build rows are
// created on first sight so the anchors can name their trigger endpoint.
func (h *HTTP) renderLinks(ctx context.Context, indexes []*wheelsproxy.Index, platform *wheelsproxy.Platform, slug string) ([]byte, error) {
	slugs := indexSlugs(indexes)
	seen := make(map[string]struct{})
	var links []pageLink
	var display string
	for _, idx := range indexes {
		pkg, err := h.store.PackageBySlug(ctx, idx.ID, slug)
		switch {
		case errors.Is(err, wheelsproxy.ErrNotFound):
			continue
		case err != nil:
			return nil, err
		}
		if display == "" {
			display = pkg.Name
		}
		releases, err := h.store.ReleasesByPackage(ctx, pkg.ID)
		if err != nil {
			return nil, err
		}
		for i := range releases {
			rel := &releases[i]
			if _, dup := seen[rel.Version]; dup {
				continue
			}
			seen[rel.Version] = struct{}{}
			b, err := h.store.GetOrCreateBuild(ctx, rel.ID, platform.ID)
			if err != nil {
				return nil, err
			}
			owner := &datastore.BuildOwner{
				IndexSlug:   idx.Slug,
				PackageID:   pkg.ID,
				PackageSlug: pkg.Slug,
				PackageName: pkg.Name,
				Version:     rel.Version,
				ReleaseURL:  rel.URL,
				ReleaseMD5:  rel.MD5Digest,
			}
			href, err := h.builds.DownloadURL(ctx, b, owner, slugs, platform.Slug)
			if err != nil {
				return nil, err
			}
			if digest := libbuild.Digest(b, owner); digest != "" {
				href += "#md5=" + digest
			}
			filename := rel.Filename()
			if b.Built() {
				filename = path.Base(b.Artifact)
			}
			links = append(links, pageLink{Filename: filename, Href: href})
		}
	}
	if display == "" {
		display = slug
	}
	var buf bytes.Buffer
	err := linksTmpl.Execute(&buf, struct {
		Package string
		Links   []pageLink
	}{Package: display, Links: links})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// serveHTML writes an HTML body, gzip-encoded when the client accepts it.
func serveHTML(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		defer zw.Close()
		zw.Write(body)
		return
	}
	w.Write(body)
}
