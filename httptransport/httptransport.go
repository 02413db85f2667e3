// Package httptransport exposes the proxy over HTTP: PEP 503 simple-index
// pages, build trigger redirects, and the compile and resolve endpoints.
//
// URLs name an ordered index set and a platform:
//
//	/v1/{indexes}/{platform}/+simple/...
//
// where {indexes} is one or more index slugs joined by "+". Order matters;
// the resolver and the link pages prefer earlier indexes.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/datastore"
	"github.com/wheelsproxy/wheelsproxy/libbuild"
	"github.com/wheelsproxy/wheelsproxy/libresolve"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
	je "github.com/wheelsproxy/wheelsproxy/pkg/jsonerr"
)

// Options configures the handler.
type Options struct {
	Store    datastore.Catalog
	Builds   *libbuild.Libbuild
	Resolver *libresolve.Libresolve
	Cache    *linkcache.Cache
	// BuildsRoot, when set, serves the file blob store's directory under
	// /+builds/.
	BuildsRoot string
	// CacheRetries bounds how often a link page render is retried when
	// the serial vector moves mid-render. Defaults to 3.
	CacheRetries int
}

var _ http.Handler = (*HTTP)(nil)

// HTTP is the router over the facades.
type HTTP struct {
	*http.ServeMux
	store        datastore.Catalog
	builds       *libbuild.Libbuild
	resolver     *libresolve.Libresolve
	cache        *linkcache.Cache
	cacheRetries int
}

// New constructs the handler from opts.
func New(_ context.Context, opts *Options) (*HTTP, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("httptransport: options missing a store")
	case opts.Builds == nil:
		return nil, errors.New("httptransport: options missing a build scheduler")
	case opts.Resolver == nil:
		return nil, errors.New("httptransport: options missing a resolver")
	case opts.Cache == nil:
		return nil, errors.New("httptransport: options missing a link cache")
	}
	h := &HTTP{
		store:        opts.Store,
		builds:       opts.Builds,
		resolver:     opts.Resolver,
		cache:        opts.Cache,
		cacheRetries: opts.CacheRetries,
	}
	if h.cacheRetries == 0 {
		h.cacheRetries = 3
	}
	m := http.NewServeMux()
	m.HandleFunc("GET /v1/{indexes}/{platform}/+simple/{$}", h.listPackages)
	m.HandleFunc("GET /v1/{indexes}/{platform}/+simple/{package}", addSlash)
	m.HandleFunc("GET /v1/{indexes}/{platform}/+simple/{package}/{$}", h.linkPage)
	m.HandleFunc("GET /v1/{indexes}/{platform}/+simple/{package}/{version}/download/{buildID}/{filename}", h.download)
	m.HandleFunc("POST /v1/{indexes}/{platform}/+compile/{$}", h.compile)
	m.HandleFunc("POST /v1/{indexes}/{platform}/+resolve/{$}", h.resolve)
	m.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	m.Handle("GET /metrics", promhttp.Handler())
	if opts.BuildsRoot != "" {
		m.Handle("GET /+builds/", http.StripPrefix("/+builds/",
			http.FileServer(http.Dir(opts.BuildsRoot))))
	}
	h.ServeMux = m
	return h, nil
}

func addSlash(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
}

// indexSet resolves the "+"-joined slug list, preserving order.
func (h *HTTP) indexSet(ctx context.Context, r *http.Request) ([]*wheelsproxy.Index, error) {
	var out []*wheelsproxy.Index
	for _, slug := range strings.Split(r.PathValue("indexes"), "+") {
		idx, err := h.store.IndexBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

func (h *HTTP) platform(ctx context.Context, r *http.Request) (*wheelsproxy.Platform, error) {
	return h.store.PlatformBySlug(ctx, r.PathValue("platform"))
}

// scope resolves the index set and platform shared by every /v1 route,
// writing a 404 on a miss.
func (h *HTTP) scope(w http.ResponseWriter, r *http.Request) ([]*wheelsproxy.Index, *wheelsproxy.Platform, bool) {
	ctx := r.Context()
	indexes, err := h.indexSet(ctx, r)
	if err != nil {
		notFound(w, "index not found")
		return nil, nil, false
	}
	platform, err := h.platform(ctx, r)
	if err != nil {
		notFound(w, "platform not found")
		return nil, nil, false
	}
	return indexes, platform, true
}

func notFound(w http.ResponseWriter, msg string) {
	je.Error(w, &je.Response{Code: "not-found", Message: msg}, http.StatusNotFound)
}

func internalError(w http.ResponseWriter, err error) {
	je.Error(w, &je.Response{
		Code:    "internal-error",
		Message: err.Error(),
	}, http.StatusInternalServerError)
}

func indexSlugs(indexes []*wheelsproxy.Index) []string {
	out := make([]string, len(indexes))
	for i, idx := range indexes {
		out[i] = idx.Slug
	}
	return out
}
