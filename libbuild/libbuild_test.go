package libbuild

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/blobstore"
	"github.com/wheelsproxy/wheelsproxy/builder"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
	"github.com/wheelsproxy/wheelsproxy/test"
)

// fakeBuilder hands out canned wheels without a container runtime.
type fakeBuilder struct {
	t     *testing.T
	calls atomic.Int32
	delay time.Duration
	// fail makes every build fail with the given log.
	fail string
}

func (f *fakeBuilder) Build(_ context.Context, job *builder.Job) (*builder.Result, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.fail != "" {
		return nil, &builder.BuildFailedError{Log: f.fail}
	}
	name := strings.TrimSuffix(urlBasename(job.URL), ".tar.gz")
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
	lib   *Libbuild
	store *test.Catalog
	blobs blobstore.Store
	cache *linkcache.Cache
	build *wheelsproxy.Build
	idx   *wheelsproxy.Index
}

func newFixture(t *testing.T, fb *fakeBuilder, alwaysRedirect bool) *fixture {
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
	pkg, err := store.UpsertPackage(ctx, idx.ID, "dist-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReplaceReleases(ctx, pkg.ID, []wheelsproxy.ReleaseDescriptor{
		{Version: "1.0", URL: "https://files.example/dist-a-1.0.tar.gz", MD5Digest: "abc", Kind: wheelsproxy.KindSdist},
	}); err != nil {
		t.Fatal(err)
	}
	rel, err := store.ReleaseByVersion(ctx, pkg.ID, "1.0")
	if err != nil {
		t.Fatal(err)
	}
	platform := &wheelsproxy.Platform{Slug: "linux-py39", Type: wheelsproxy.PlatformDocker, Spec: "python:3.9"}
	if err := store.UpsertPlatform(ctx, platform); err != nil {
		t.Fatal(err)
	}
	b, err := store.GetOrCreateBuild(ctx, rel.ID, platform.ID)
	if err != nil {
		t.Fatal(err)
	}

	lib, err := New(ctx, &Options{
		Store:          store,
		Blobs:          blobs,
		Builder:        fb,
		Cache:          cache,
		AlwaysRedirect: alwaysRedirect,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{lib: lib, store: store, blobs: blobs, cache: cache, build: b, idx: idx}
}

func TestEnsureBuilt(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBuilder{t: t}
	fx := newFixture(t, fb, false)

	got, err := fx.lib.EnsureBuilt(ctx, fx.build)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Built() {
		t.Fatal("build has no artifact")
	}
	want := "pypi/linux-py39/dist-a/1.0/dist_a_1.0-py3-none-any.whl"
	if got.Artifact != want {
		t.Errorf("got artifact %q, want %q", got.Artifact, want)
	}
	rc, err := fx.blobs.Open(ctx, got.Artifact)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	if _, err := io.ReadAll(rc); err != nil {
		t.Fatal(err)
	}

	// A second call is a fast-path no-op.
	if _, err := fx.lib.EnsureBuilt(ctx, got); err != nil {
		t.Fatal(err)
	}
	if n := fb.calls.Load(); n != 1 {
		t.Errorf("builder ran %d times, want 1", n)
	}

	// The link cache serial moved.
	v, err := fx.cache.Vector(ctx, []string{"pypi"}, "dist-a")
	if err != nil {
		t.Fatal(err)
	}
	if v == "0" {
		t.Error("link cache serial did not move on build completion")
	}
}

func TestEnsureBuiltCoalesces(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBuilder{t: t, delay: 50 * time.Millisecond}
	fx := newFixture(t, fb, false)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := fx.lib.EnsureBuilt(ctx, fx.build)
			if err != nil {
				t.Error(err)
				return
			}
			if !got.Built() {
				t.Error("waiter observed an unbuilt row")
			}
		}()
	}
	wg.Wait()
	if n := fb.calls.Load(); n != 1 {
		t.Errorf("builder ran %d times, want 1", n)
	}
}

func TestBuildFailureKeepsLog(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBuilder{t: t, fail: "error: no matching distribution"}
	fx := newFixture(t, fb, false)

	_, err := fx.lib.EnsureBuilt(ctx, fx.build)
	var failed *builder.BuildFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("got %v, want BuildFailedError", err)
	}

	cur, err := fx.store.BuildByID(ctx, fx.build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Built() {
		t.Error("failed build reports an artifact")
	}
	if cur.BuildLog != "error: no matching distribution" {
		t.Errorf("log not persisted: %q", cur.BuildLog)
	}
}

func TestRebuildRunsAgain(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBuilder{t: t}
	fx := newFixture(t, fb, false)

	first, err := fx.lib.EnsureBuilt(ctx, fx.build)
	if err != nil {
		t.Fatal(err)
	}
	second, err := fx.lib.Rebuild(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if n := fb.calls.Load(); n != 2 {
		t.Errorf("builder ran %d times, want 2", n)
	}
	if second.Artifact != first.Artifact {
		t.Errorf("rebuild moved the artifact: %q vs %q", second.Artifact, first.Artifact)
	}
}

func TestDownloadURL(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeBuilder{t: t}, false)
	owner, err := fx.store.BuildOwner(ctx, fx.build.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Unbuilt rows point at the trigger endpoint with the upstream
	// filename.
	u, err := fx.lib.DownloadURL(ctx, fx.build, owner, []string{"pypi", "internal"}, "linux-py39")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, "/v1/pypi+internal/linux-py39/+simple/dist-a/1.0/download/") ||
		!strings.HasSuffix(u, "/dist-a-1.0.tar.gz") {
		t.Errorf("unexpected trigger URL %q", u)
	}

	// Built rows point straight at the artifact.
	built, err := fx.lib.EnsureBuilt(ctx, fx.build)
	if err != nil {
		t.Fatal(err)
	}
	u, err = fx.lib.DownloadURL(ctx, built, owner, []string{"pypi"}, "linux-py39")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(u, built.Artifact) {
		t.Errorf("got %q, want a direct artifact URL", u)
	}
}

func TestDownloadURLAlwaysRedirect(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeBuilder{t: t}, true)
	owner, err := fx.store.BuildOwner(ctx, fx.build.ID)
	if err != nil {
		t.Fatal(err)
	}
	built, err := fx.lib.EnsureBuilt(ctx, fx.build)
	if err != nil {
		t.Fatal(err)
	}
	u, err := fx.lib.DownloadURL(ctx, built, owner, []string{"pypi"}, "linux-py39")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(u, "/download/") {
		t.Errorf("got %q, want the trigger endpoint", u)
	}
}

func TestEnsureExternalBuilt(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBuilder{t: t}
	fx := newFixture(t, fb, false)

	platform, err := fx.store.PlatformBySlug(ctx, "linux-py39")
	if err != nil {
		t.Fatal(err)
	}
	const extURL = "https://ex.example/pkg-1.2.tar.gz#egg=pkg==1.2"
	xb, err := fx.store.GetOrCreateExternalBuild(ctx, extURL, platform.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fx.lib.EnsureExternalBuilt(ctx, xb)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Built() {
		t.Fatal("external build has no artifact")
	}
	if !strings.HasPrefix(got.Artifact, "__external__/linux-py39/") {
		t.Errorf("unexpected artifact path %q", got.Artifact)
	}
	if _, err := fx.blobs.Open(ctx, got.Artifact); err != nil {
		t.Fatal(err)
	}
}
