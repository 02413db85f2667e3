package httptransport

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/blobstore"
	"github.com/wheelsproxy/wheelsproxy/builder"
	"github.com/wheelsproxy/wheelsproxy/libbuild"
	"github.com/wheelsproxy/wheelsproxy/libresolve"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
	"github.com/wheelsproxy/wheelsproxy/test"
)

// stubBuilder fabricates wheels, or fails every build when fail is set.
type stubBuilder struct {
	t    *testing.T
	fail string
}

func (f *stubBuilder) Build(_ context.Context, job *builder.Job) (*builder.Result, error) {
	if f.fail != "" {
		return nil, &builder.BuildFailedError{Log: f.fail}
	}
	base := job.URL[strings.LastIndexByte(job.URL, '/')+1:]
	name := strings.TrimSuffix(base, ".tar.gz")
	filename := strings.ReplaceAll(name, "-", "_") + "-py3-none-any.whl"
	body := []byte("wheel for " + job.URL)
	p := filepath.Join(f.t.TempDir(), filename)
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return nil, err
	}
	sum := md5.Sum(body)
	return &builder.Result{
		Filename:  filename,
		Filesize:  int64(len(body)),
		MD5Digest: hex.EncodeToString(sum[:]),
		Metadata:  &wheelsproxy.WheelMetadata{Name: name},
		Log:       "ok",
		Duration:  time.Millisecond,
		WheelPath: p,
	}, nil
}

type fixture struct {
	handler  *HTTP
	store    *test.Catalog
	cache    *linkcache.Cache
	idx      *wheelsproxy.Index
	platform *wheelsproxy.Platform

	releases map[int64][]wheelsproxy.ReleaseDescriptor
}

func newFixture(t *testing.T, fb *stubBuilder) *fixture {
	t.Helper()
	ctx := context.Background()
	store := test.NewCatalog()
	mr := miniredis.RunT(t)
	cache := linkcache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.Close() })
	blobs, err := blobstore.New(ctx, "file://"+t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	idx := &wheelsproxy.Index{Slug: "pypi", URL: "https://pypi.example", Backend: wheelsproxy.BackendPyPI}
	if err := store.UpsertIndex(ctx, idx); err != nil {
		t.Fatal(err)
	}
	platform := &wheelsproxy.Platform{
		Slug:        "linux-py39",
		Type:        wheelsproxy.PlatformDocker,
		Spec:        "python:3.9",
		Environment: map[string]string{"python_version": "3.9"},
	}
	if err := store.UpsertPlatform(ctx, platform); err != nil {
		t.Fatal(err)
	}

	builds, err := libbuild.New(ctx, &libbuild.Options{
		Store: store, Blobs: blobs, Builder: fb, Cache: cache,
	})
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := libresolve.New(ctx, &libresolve.Options{
		Store: store, Builds: builds, Cache: cache,
	})
	if err != nil {
		t.Fatal(err)
	}
	handler, err := New(ctx, &Options{
		Store: store, Builds: builds, Resolver: resolver, Cache: cache,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		handler:  handler,
		store:    store,
		cache:    cache,
		idx:      idx,
		platform: platform,
		releases: make(map[int64][]wheelsproxy.ReleaseDescriptor),
	}
}

func (fx *fixture) addRelease(t *testing.T, name, version string) {
	t.Helper()
	ctx := context.Background()
	pkg, err := fx.store.UpsertPackage(ctx, fx.idx.ID, name)
	if err != nil {
		t.Fatal(err)
	}
	fx.releases[pkg.ID] = append(fx.releases[pkg.ID], wheelsproxy.ReleaseDescriptor{
		Version: version,
		URL:     fmt.Sprintf("https://files.example/%s-%s.tar.gz", name, version),
		Kind:    wheelsproxy.KindSdist,
	})
	if _, err := fx.store.ReplaceReleases(ctx, pkg.ID, fx.releases[pkg.ID]); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func (fx *fixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return w
}

func TestLinkPage(t *testing.T) {
	fx := newFixture(t, &stubBuilder{t: t})
	fx.addRelease(t, "dist-a", "1.0")
	fx.addRelease(t, "dist-a", "2.0")

	w := fx.get(t, "/v1/pypi/linux-py39/+simple/dist-a/")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body)
	}
	body := w.Body.String()
	for _, want := range []string{"dist-a-1.0.tar.gz", "dist-a-2.0.tar.gz", "/download/"} {
		if !strings.Contains(body, want) {
			t.Errorf("page lacks %q:\n%s", want, body)
		}
	}
}

func TestLinkPageCanonicalRedirect(t *testing.T) {
	fx := newFixture(t, &stubBuilder{t: t})
	fx.addRelease(t, "Dist.A", "1.0")

	w := fx.get(t, "/v1/pypi/linux-py39/+simple/Dist.A/")
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("got %d, want 301", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/v1/pypi/linux-py39/+simple/dist-a/" {
		t.Errorf("got Location %q", loc)
	}
}

func TestLinkPageNotFound(t *testing.T) {
	fx := newFixture(t, &stubBuilder{t: t})
	if w := fx.get(t, "/v1/pypi/linux-py39/+simple/nope/"); w.Code != http.StatusNotFound {
		t.Errorf("unknown package: got %d, want 404", w.Code)
	}
	if w := fx.get(t, "/v1/other/linux-py39/+simple/nope/"); w.Code != http.StatusNotFound {
		t.Errorf("unknown index: got %d, want 404", w.Code)
	}
	if w := fx.get(t, "/v1/pypi/windows/+simple/nope/"); w.Code != http.StatusNotFound {
		t.Errorf("unknown platform: got %d, want 404", w.Code)
	}
}

func TestLinkPageCacheRotation(t *testing.T) {
	fx := newFixture(t, &stubBuilder{t: t})
	fx.addRelease(t, "dist-a", "1.0")
	const page = "/v1/pypi/linux-py39/+simple/dist-a/"

	first := fx.get(t, page).Body.String()

	// Catalog changes alone do not refresh the page; the serial must move.
	fx.addRelease(t, "dist-a", "2.0")
	if got := fx.get(t, page).Body.String(); got != first {
		t.Error("cached page refreshed without an invalidation")
	}
	if got := fx.get(t, page+"?cache=off").Body.String(); !strings.Contains(got, "2.0") {
		t.Error("cache=off still served the cached page")
	}

	if err := fx.cache.Invalidate(context.Background(), "pypi", "dist-a"); err != nil {
		t.Fatal(err)
	}
	if got := fx.get(t, page).Body.String(); !strings.Contains(got, "2.0") {
		t.Error("invalidation did not rotate the page key")
	}
}

func TestRootListing(t *testing.T) {
	fx := newFixture(t, &stubBuilder{t: t})
	fx.addRelease(t, "dist-b", "1.0")
	fx.addRelease(t, "dist-a", "1.0")

	w := fx.get(t, "/v1/pypi/linux-py39/+simple/")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body)
	}
	body := w.Body.String()
	if !strings.Contains(body, `href="dist-a/"`) || !strings.Contains(body, `href="dist-b/"`) {
		t.Errorf("listing incomplete:\n%s", body)
	}
	if strings.Index(body, "dist-a") > strings.Index(body, "dist-b") {
		t.Error("listing not alphabetical")
	}
}

func TestDownloadTrigger(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &stubBuilder{t: t})
	fx.addRelease(t, "dist-a", "1.0")

	pkg, err := fx.store.PackageBySlug(ctx, fx.idx.ID, "dist-a")
	if err != nil {
		t.Fatal(err)
	}
	rel, err := fx.store.ReleaseByVersion(ctx, pkg.ID, "1.0")
	if err != nil {
		t.Fatal(err)
	}
	b, err := fx.store.GetOrCreateBuild(ctx, rel.ID, fx.platform.ID)
	if err != nil {
		t.Fatal(err)
	}

	u := fmt.Sprintf("/v1/pypi/linux-py39/+simple/dist-a/1.0/download/%d/dist-a-1.0.tar.gz", b.ID)
	w := fx.get(t, u)
	if w.Code != http.StatusFound {
		t.Fatalf("got %d: %s", w.Code, w.Body)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "/+builds/pypi/linux-py39/dist-a/1.0/") {
		t.Errorf("unexpected redirect target %q", loc)
	}

	// A stale build ID falls back to the package and version segments.
	w = fx.get(t, "/v1/pypi/linux-py39/+simple/dist-a/1.0/download/99999/dist-a-1.0.tar.gz")
	if w.Code != http.StatusFound {
		t.Errorf("stale-id fallback: got %d, want 302", w.Code)
	}

	w = fx.get(t, "/v1/pypi/linux-py39/+simple/dist-a/9.9/download/99999/dist-a-9.9.tar.gz")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown version: got %d, want 404", w.Code)
	}
}

func TestDownloadBuildFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &stubBuilder{t: t, fail: "error: no matching distribution"})
	fx.addRelease(t, "dist-a", "1.0")

	pkg, err := fx.store.PackageBySlug(ctx, fx.idx.ID, "dist-a")
	if err != nil {
		t.Fatal(err)
	}
	rel, err := fx.store.ReleaseByVersion(ctx, pkg.ID, "1.0")
	if err != nil {
		t.Fatal(err)
	}
	b, err := fx.store.GetOrCreateBuild(ctx, rel.ID, fx.platform.ID)
	if err != nil {
		t.Fatal(err)
	}

	u := fmt.Sprintf("/v1/pypi/linux-py39/+simple/dist-a/1.0/download/%d/dist-a-1.0.tar.gz", b.ID)
	w := fx.get(t, u)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("got %d, want 502", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no matching distribution") {
		t.Errorf("response lacks the build log: %s", w.Body)
	}

	cur, err := fx.store.BuildByID(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Built() || cur.BuildLog == "" {
		t.Error("failed build not recorded with its log")
	}

	// The link page must keep pointing at the trigger, not an artifact.
	page := fx.get(t, "/v1/pypi/linux-py39/+simple/dist-a/").Body.String()
	if strings.Contains(page, "/+builds/") {
		t.Errorf("failed build surfaced as installed:\n%s", page)
	}
}

func TestCompileEndpoint(t *testing.T) {
	fx := newFixture(t, &stubBuilder{t: t})
	fx.addRelease(t, "dist-a", "1.0")

	w := fx.post(t, "/v1/pypi/linux-py39/+compile/", "dist-a\n")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body)
	}
	if got := w.Body.String(); got != "dist-a==1.0\n" {
		t.Errorf("got %q", got)
	}

	w = fx.post(t, "/v1/pypi/linux-py39/+compile/", "dist-a>=9.0\n")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsatisfiable input: got %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "dist-a") {
		t.Errorf("error body does not name the requirement: %s", w.Body)
	}
}

func TestResolveEndpoint(t *testing.T) {
	fx := newFixture(t, &stubBuilder{t: t})
	fx.addRelease(t, "dist-a", "1.0")

	w := fx.post(t, "/v1/pypi/linux-py39/+resolve/", "dist-a==1.0\n")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body)
	}
	if got := w.Body.String(); !strings.HasPrefix(got, "/+builds/pypi/linux-py39/dist-a/1.0/") {
		t.Errorf("got %q", got)
	}

	w = fx.post(t, "/v1/pypi/linux-py39/+resolve/", "dist-a\n")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unpinned input: got %d, want 400", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t, &stubBuilder{t: t})
	if w := fx.get(t, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("got %d", w.Code)
	}
}
