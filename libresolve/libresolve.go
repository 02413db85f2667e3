// Package libresolve turns a requirements.in into a fully pinned lock
// file, resolving across an ordered list of indexes for one target
// platform.
//
// Resolution is a fixed point over a dependency graph: every round selects
// a release for each unpinned node, builds it to obtain its declared
// dependencies, merges those back into the graph, and prunes nodes no
// selected build requires anymore.
package libresolve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/datastore"
	"github.com/wheelsproxy/wheelsproxy/libbuild"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep440"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep508"
)

var compileDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "wheelsproxy",
		Subsystem: "resolve",
		Name:      "compile_duration_seconds",
		Help:      "Duration of compile runs, including on-demand builds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	},
	[]string{"platform", "outcome"},
)

// PipTrack is an optional second opinion: an external pip-compile hook run
// alongside the internal resolver. The internal track stays authoritative;
// the hook's output is only recorded on the compilation row.
type PipTrack func(ctx context.Context, c *wheelsproxy.Compilation) (result, log string, err error)

// Options configures a Libresolve.
type Options struct {
	Store  datastore.Catalog
	Builds *libbuild.Libbuild
	// Cache, when set, memoizes compile results keyed by input and the
	// package serial vector.
	Cache *linkcache.Cache
	// UnsafePackages are never pinned in lock files, only mentioned in a
	// comment. Defaults to DefaultUnsafePackages.
	UnsafePackages []string
	// PipCompile, when set, runs as the "pip" compilation track.
	PipCompile PipTrack
}

// DefaultUnsafePackages is the default set of packages whose pinning in a
// lock file causes more harm than good.
var DefaultUnsafePackages = []string{"setuptools"}

// Libresolve is the resolver facade.
type Libresolve struct {
	store      datastore.Catalog
	builds     *libbuild.Libbuild
	cache      *linkcache.Cache
	formatter  *Formatter
	pipCompile PipTrack
}

// New constructs a Libresolve from opts.
func New(_ context.Context, opts *Options) (*Libresolve, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("libresolve: options missing a store")
	case opts.Builds == nil:
		return nil, errors.New("libresolve: options missing a build scheduler")
	}
	unsafe := opts.UnsafePackages
	if unsafe == nil {
		unsafe = DefaultUnsafePackages
	}
	return &Libresolve{
		store:      opts.Store,
		builds:     opts.Builds,
		cache:      opts.Cache,
		formatter:  NewFormatter(unsafe),
		pipCompile: opts.PipCompile,
	}, nil
}

// Compile resolves the requirements text into a pinned lock file.
//
// A Compilation row records the run; Unsatisfied and MergeConflict errors
// mark its internal track failed and surface to the caller (a 4xx
// upstream), infrastructure errors surface without a verdict.
func (l *Libresolve) Compile(ctx context.Context, indexes []*wheelsproxy.Index, platform *wheelsproxy.Platform, requirements string) (string, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libresolve/Libresolve.Compile",
		"platform", platform.Slug)

	cacheKey, err := l.compileCacheKey(ctx, indexes, platform, requirements)
	if err == nil && cacheKey != "" {
		if out, err := l.cache.Get(ctx, cacheKey); err == nil {
			zlog.Debug(ctx).Msg("compile served from cache")
			return string(out), nil
		}
	}

	slugs := make([]string, len(indexes))
	for i, idx := range indexes {
		slugs[i] = idx.Slug
	}
	comp := &wheelsproxy.Compilation{
		Requirements: requirements,
		IndexSlugs:   slugs,
		PlatformID:   platform.ID,
	}
	if err := l.store.CreateCompilation(ctx, comp); err != nil {
		return "", err
	}

	start := time.Now()
	out, err := l.compile(ctx, indexes, platform, requirements)
	duration := time.Since(start)

	track := &wheelsproxy.CompilationTrack{
		Status:    wheelsproxy.CompileDone,
		Result:    out,
		Timestamp: time.Now(),
		Duration:  duration,
	}
	outcome := "success"
	switch {
	case isResolutionError(err):
		track.Status = wheelsproxy.CompileFailed
		track.Log = err.Error()
		track.Result = ""
		outcome = "unsatisfied"
	case err != nil:
		// Infrastructure failure; leave the track pending so a retry can
		// be told apart from a verdict.
		compileDuration.WithLabelValues(platform.Slug, "error").Observe(duration.Seconds())
		return "", err
	}
	compileDuration.WithLabelValues(platform.Slug, outcome).Observe(duration.Seconds())
	if terr := l.store.SetCompilationTrack(ctx, comp.ID, "internal", track); terr != nil {
		return "", terr
	}
	l.runPipTrack(ctx, comp)
	if err != nil {
		return "", err
	}
	if cacheKey != "" {
		if cerr := l.cache.Set(ctx, cacheKey, []byte(out)); cerr != nil {
			zlog.Warn(ctx).Err(cerr).Msg("failed to cache compile result")
		}
	}
	return out, nil
}

// compile runs the fixed-point loop and formats the surviving graph.
func (l *Libresolve) compile(ctx context.Context, indexes []*wheelsproxy.Index, platform *wheelsproxy.Platform, requirements string) (string, error) {
	g := NewGraph()
	reqs, err := ParseRequirementsFile(requirements)
	if err != nil {
		return "", err
	}
	for _, req := range reqs {
		if err := g.AddDeclared(req, platform.Environment); err != nil {
			return "", err
		}
	}

	for {
		tainted, err := l.compileRound(ctx, g, indexes, platform)
		if err != nil {
			return "", err
		}
		if !tainted {
			break
		}
		g.RemoveOrphans()
	}
	return l.formatter.Format(g), nil
}

// compileRound selects a build for every unpinned node and merges the
// build's declared dependencies back in. It reports whether any node
// needed selection; a clean round means the fixed point is reached.
func (l *Libresolve) compileRound(ctx context.Context, g *Graph, indexes []*wheelsproxy.Index, platform *wheelsproxy.Platform) (bool, error) {
	tainted := false
	for _, node := range g.Nodes() {
		if _, live := g.nodes[node.Req.Slug]; !live || node.Build != nil {
			continue
		}
		tainted = true
		ref, err := l.selectBuild(ctx, node.Req, indexes, platform)
		if err != nil {
			return false, err
		}
		node.Build = ref
		if err := l.addRequirements(ctx, g, node, platform); err != nil {
			return false, err
		}
	}
	return tainted, nil
}

// selectBuild resolves a requirement to a (possibly freshly created) build
// row and makes sure it is built, because only built wheels declare their
// dependencies.
func (l *Libresolve) selectBuild(ctx context.Context, req *pep508.Requirement, indexes []*wheelsproxy.Index, platform *wheelsproxy.Platform) (*BuildRef, error) {
	if req.URL != "" {
		xb, err := l.store.GetOrCreateExternalBuild(ctx, req.URL, platform.ID)
		if err != nil {
			return nil, err
		}
		xb, err = l.builds.EnsureExternalBuilt(ctx, xb)
		if err != nil {
			return nil, err
		}
		_, version, _ := pep508.SplitEgg(req.URL)
		return &BuildRef{
			Slug:     req.Slug,
			Name:     req.Name,
			Version:  version,
			URL:      req.URL,
			External: xb,
		}, nil
	}

	hit, err := l.FindBestRelease(ctx, indexes, req)
	if err != nil {
		return nil, err
	}
	b, err := l.store.GetOrCreateBuild(ctx, hit.Release.ID, platform.ID)
	if err != nil {
		return nil, err
	}
	b, err = l.builds.EnsureBuilt(ctx, b)
	if err != nil {
		return nil, err
	}
	return &BuildRef{
		Slug:    hit.Package.Slug,
		Name:    hit.Package.Name,
		Version: hit.Release.Version,
		Build:   b,
	}, nil
}

// addRequirements walks the built wheel's declared dependencies, filtered
// by the node's extras and the platform environment, and merges them into
// the graph.
func (l *Libresolve) addRequirements(ctx context.Context, g *Graph, node *DependencyNode, platform *wheelsproxy.Platform) error {
	md := node.Build.metadata()
	if md == nil {
		return nil
	}
	for _, group := range md.RunRequires {
		if group.Extra != "" && !hasExtra(node.Req.Extras, group.Extra) {
			continue
		}
		env := platform.Environment
		if group.Extra != "" {
			env = withExtra(env, group.Extra)
		}
		if group.Environment != "" {
			m, err := pep508.ParseMarker(group.Environment)
			if err != nil {
				return fmt.Errorf("libresolve: %s declares a bad marker: %w", node.Req.Slug, err)
			}
			ok, err := m.Eval(env)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		for _, line := range group.Requires {
			req, err := pep508.Parse(line)
			if err != nil {
				return fmt.Errorf("libresolve: %s declares a bad requirement %q: %w", node.Req.Slug, line, err)
			}
			if req.Marker != nil {
				ok, err := req.Marker.Eval(withExtra(env, group.Extra))
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				req.Marker = nil
			}
			if err := g.update(req, node.Build); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasExtra(extras []string, want string) bool {
	for _, e := range extras {
		if e == want {
			return true
		}
	}
	return false
}

// withExtra shallow-copies env with the "extra" marker variable set.
func withExtra(env map[string]string, extra string) map[string]string {
	if extra == "" {
		return env
	}
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	out["extra"] = extra
	return out
}

// runPipTrack runs the optional pip-compile hook. Its verdict is recorded
// but never affects the caller-visible result.
func (l *Libresolve) runPipTrack(ctx context.Context, comp *wheelsproxy.Compilation) {
	if l.pipCompile == nil {
		return
	}
	start := time.Now()
	result, log, err := l.pipCompile(ctx, comp)
	track := &wheelsproxy.CompilationTrack{
		Status:    wheelsproxy.CompileDone,
		Result:    result,
		Log:       log,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		track.Status = wheelsproxy.CompileFailed
		track.Result = ""
		track.Log = err.Error()
	}
	if terr := l.store.SetCompilationTrack(ctx, comp.ID, "pip", track); terr != nil {
		zlog.Warn(ctx).Err(terr).Msg("failed to record pip compile track")
	}
}

// ParseError reports a requirements line the resolver could not parse.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// isResolutionError reports whether err is a resolution verdict rather
// than an infrastructure failure.
func isResolutionError(err error) bool {
	var unsat *UnsatisfiedError
	var conflict *MergeConflictError
	return errors.As(err, &unsat) || errors.As(err, &conflict)
}

// NotPinnedError reports a Resolve input line that is not an exact
// version pin.
type NotPinnedError struct {
	Req *pep508.Requirement
}

func (e *NotPinnedError) Error() string {
	return fmt.Sprintf("requirement %q is not pinned", e.Req)
}

// IsUserError reports whether err is the caller's fault: malformed input,
// an unsatisfiable requirement, or conflicting requirements. Transports
// map these to 4xx responses.
func IsUserError(err error) bool {
	var parse *ParseError
	var unpinned *NotPinnedError
	return isResolutionError(err) || errors.As(err, &parse) || errors.As(err, &unpinned)
}

// compileCacheKey derives the memoization key: input, index order,
// platform and the serial vector of every declared package. Any change to
// a declared package upstream rotates the key. Discovered transitive
// packages are deliberately not part of the vector; their changes only
// matter through new releases of declared packages or a cache flush.
func (l *Libresolve) compileCacheKey(ctx context.Context, indexes []*wheelsproxy.Index, platform *wheelsproxy.Platform, requirements string) (string, error) {
	if l.cache == nil {
		return "", nil
	}
	reqs, err := ParseRequirementsFile(requirements)
	if err != nil {
		return "", err
	}
	slugs := make([]string, len(indexes))
	for i, idx := range indexes {
		slugs[i] = idx.Slug
	}
	h := sha256.New()
	fmt.Fprintf(h, "indexes:%s\nplatform:%s\n", strings.Join(slugs, "+"), platform.Slug)
	for _, req := range reqs {
		vector, err := l.cache.Vector(ctx, slugs, req.Slug)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s@%s\n", req, vector)
	}
	return linkcache.CompileKey(hex.EncodeToString(h.Sum(nil))), nil
}

// ParseRequirementsFile parses requirements text: one requirement per
// line, blank lines and comments skipped. Inline comments must be
// separated from the requirement by whitespace, so URL fragments survive.
func ParseRequirementsFile(text string) ([]*pep508.Requirement, error) {
	var out []*pep508.Requirement
	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req, err := pep508.Parse(line)
		if err != nil {
			return nil, &ParseError{Line: n + 1, Err: err}
		}
		out = append(out, req)
	}
	return out, nil
}

// Resolve maps a fully pinned requirements text to one artifact URL per
// line, building wheels on demand. Line order is preserved.
func (l *Libresolve) Resolve(ctx context.Context, indexes []*wheelsproxy.Index, platform *wheelsproxy.Platform, text string) (string, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libresolve/Libresolve.Resolve",
		"platform", platform.Slug)
	reqs, err := ParseRequirementsFile(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, req := range reqs {
		u, err := l.resolveOne(ctx, indexes, platform, req)
		if err != nil {
			return "", err
		}
		b.WriteString(u)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (l *Libresolve) resolveOne(ctx context.Context, indexes []*wheelsproxy.Index, platform *wheelsproxy.Platform, req *pep508.Requirement) (string, error) {
	if req.URL != "" {
		xb, err := l.store.GetOrCreateExternalBuild(ctx, req.URL, platform.ID)
		if err != nil {
			return "", err
		}
		xb, err = l.builds.EnsureExternalBuilt(ctx, xb)
		if err != nil {
			return "", err
		}
		return l.builds.ArtifactURL(ctx, xb.Artifact)
	}

	pin := req.Specifier.Pins()
	if pin == nil {
		return "", &NotPinnedError{Req: req}
	}
	version := pep440.Canonicalize(pin.String())
	for _, idx := range indexes {
		pkg, err := l.store.PackageBySlug(ctx, idx.ID, req.Slug)
		switch {
		case errors.Is(err, wheelsproxy.ErrNotFound):
			continue
		case err != nil:
			return "", err
		}
		rel, err := l.store.ReleaseByVersion(ctx, pkg.ID, version)
		switch {
		case errors.Is(err, wheelsproxy.ErrNotFound):
			continue
		case err != nil:
			return "", err
		}
		b, err := l.store.GetOrCreateBuild(ctx, rel.ID, platform.ID)
		if err != nil {
			return "", err
		}
		b, err = l.builds.EnsureBuilt(ctx, b)
		if err != nil {
			return "", err
		}
		return l.builds.ArtifactURL(ctx, b.Artifact)
	}
	return "", &UnsatisfiedError{Req: req}
}
