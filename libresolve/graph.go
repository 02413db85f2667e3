package libresolve

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep440"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep503"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep508"
)

// UnsatisfiedError reports a requirement no configured index can satisfy.
type UnsatisfiedError struct {
	Req *pep508.Requirement
}

func (e *UnsatisfiedError) Error() string {
	return fmt.Sprintf("dependency not satisfied: %s", e.Req)
}

// MergeConflictError reports two requirements for the same package that
// cannot hold at once.
type MergeConflictError struct {
	Slug   string
	Detail string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("conflicting requirements for %s: %s", e.Slug, e.Detail)
}

// BuildRef names the artifact selected for a node, with enough context to
// render pins and "via" comments without going back to the store.
type BuildRef struct {
	// Slug and Name identify the providing package; Name is the display
	// form.
	Slug string
	Name string
	// Version is the pinned version. External refs derive it from the egg
	// fragment.
	Version string
	// URL is set for external (direct-reference) builds.
	URL string

	Build    *wheelsproxy.Build
	External *wheelsproxy.ExternalBuild
}

// IsExternal reports whether the ref points at a direct-reference build.
func (r *BuildRef) IsExternal() bool {
	return r.External != nil
}

func (r *BuildRef) metadata() *wheelsproxy.WheelMetadata {
	if r.IsExternal() {
		return r.External.Metadata
	}
	return r.Build.Metadata
}

// DependencyNode is one package in the graph. All requirements for the
// same slug merge into a single node, so the graph stays a DAG and cycles
// in the dependency relation are harmless.
type DependencyNode struct {
	// Req is the merged requirement, markers already stripped.
	Req *pep508.Requirement
	// Build is the selected artifact; nil when (re)selection is pending.
	Build *BuildRef
	// Declared marks roots: requirements from the input file rather than
	// discovered dependencies.
	Declared bool
	// RequiredBy lists the builds whose metadata required this node.
	RequiredBy []*BuildRef
}

// Graph is a dependency graph under construction, keyed by normalized
// package name.
type Graph struct {
	order []string
	nodes map[string]*DependencyNode
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*DependencyNode)}
}

// Len reports the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node reports the node for the normalized name, or nil.
func (g *Graph) Node(slug string) *DependencyNode {
	return g.nodes[pep503.Normalize(slug)]
}

// Nodes yields the nodes in insertion order.
func (g *Graph) Nodes() []*DependencyNode {
	out := make([]*DependencyNode, 0, len(g.order))
	for _, slug := range g.order {
		out = append(out, g.nodes[slug])
	}
	return out
}

func (g *Graph) insert(slug string, n *DependencyNode) {
	g.order = append(g.order, slug)
	g.nodes[slug] = n
}

func (g *Graph) remove(slug string) {
	delete(g.nodes, slug)
	for i, s := range g.order {
		if s == slug {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// AddDeclared adds an input requirement as a root node. Markers are
// evaluated against the platform environment here: a false marker drops
// the requirement, a true one is stripped.
func (g *Graph) AddDeclared(req *pep508.Requirement, env map[string]string) error {
	if req.Marker != nil {
		ok, err := req.Marker.Eval(env)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		req.Marker = nil
	}
	if have, ok := g.nodes[req.Slug]; ok {
		merged, err := MergeRequirements(have.Req, req)
		if err != nil {
			return err
		}
		have.Req = merged
		have.Declared = true
		have.Build = nil
		return nil
	}
	g.insert(req.Slug, &DependencyNode{Req: req, Declared: true})
	return nil
}

// update merges a discovered dependency into the graph. Merging into an
// existing node clears its selected build; the next round re-selects under
// the tightened requirement.
func (g *Graph) update(req *pep508.Requirement, requiredBy *BuildRef) error {
	if have, ok := g.nodes[req.Slug]; ok {
		merged, err := MergeRequirements(have.Req, req)
		if err != nil {
			return err
		}
		have.Req = merged
		have.RequiredBy = append(have.RequiredBy, requiredBy)
		have.Build = nil
		return nil
	}
	g.insert(req.Slug, &DependencyNode{Req: req, RequiredBy: []*BuildRef{requiredBy}})
	return nil
}

// validParent reports whether the parent edge still holds: the parent
// package is still in the graph, selected at the version that produced the
// edge. External parents are pinned by their URL and stay valid while
// present.
func (g *Graph) validParent(ref *BuildRef) bool {
	node, ok := g.nodes[ref.Slug]
	if !ok {
		return false
	}
	if ref.IsExternal() {
		return true
	}
	if node.Build == nil {
		// Selection pending; the edge may yet survive.
		return true
	}
	return node.Build.Version == ref.Version
}

// removeRound drops nodes that are neither declared nor required by any
// still-valid parent. One round can orphan further nodes; the caller
// iterates to a fixed point.
func (g *Graph) removeRound() bool {
	removed := false
	for _, slug := range append([]string(nil), g.order...) {
		node := g.nodes[slug]
		kept := node.RequiredBy[:0:0]
		for _, ref := range node.RequiredBy {
			if g.validParent(ref) {
				kept = append(kept, ref)
			}
		}
		switch {
		case !node.Declared && len(kept) == 0:
			g.remove(slug)
			removed = true
		case len(kept) != len(node.RequiredBy):
			node.RequiredBy = kept
		}
	}
	return removed
}

// RemoveOrphans reduces the graph to nodes reachable from declared roots.
func (g *Graph) RemoveOrphans() {
	for g.removeRound() {
	}
}

// MergeRequirements folds b into a. Both must name the same package.
//
// Extras union; specifier sets concatenate (PEP 440 sets are conjunctive).
// At most one of the requirements may carry a URL, and when one does, its
// egg-pinned version must satisfy the merged specifier set.
func MergeRequirements(a, b *pep508.Requirement) (*pep508.Requirement, error) {
	if a.Slug != b.Slug {
		return nil, fmt.Errorf("libresolve: cannot merge %q with %q", a.Slug, b.Slug)
	}
	if a.Marker != nil || b.Marker != nil {
		return nil, fmt.Errorf("libresolve: requirement for %q still carries a marker", a.Slug)
	}
	out := &pep508.Requirement{
		Name:      a.Name,
		Slug:      a.Slug,
		Extras:    mergeExtras(a.Extras, b.Extras),
		Specifier: a.Specifier.AND(b.Specifier),
	}
	switch {
	case a.URL != "" && b.URL != "" && a.URL != b.URL:
		return nil, &MergeConflictError{
			Slug:   a.Slug,
			Detail: fmt.Sprintf("required from both %s and %s", a.URL, b.URL),
		}
	case a.URL != "":
		out.URL = a.URL
	case b.URL != "":
		out.URL = b.URL
	}
	if out.URL != "" {
		_, version, err := pep508.SplitEgg(out.URL)
		if err != nil {
			return nil, err
		}
		if version != "" {
			v, err := pep440.Parse(version)
			if err != nil {
				return nil, fmt.Errorf("libresolve: bad egg version in %q: %w", out.URL, err)
			}
			if !out.Specifier.Match(&v) {
				return nil, &MergeConflictError{
					Slug:   a.Slug,
					Detail: fmt.Sprintf("url pins %s, outside %s", version, out.Specifier),
				}
			}
		}
	}
	return out, nil
}

func mergeExtras(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, lst := range [][]string{a, b} {
		for _, e := range lst {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return out
}

// releaseHit is what FindBestRelease selects.
type releaseHit struct {
	Index   *wheelsproxy.Index
	Package *wheelsproxy.Package
	Release *wheelsproxy.Release
}

// FindBestRelease picks the release satisfying req: indexes are consulted
// in declared order and the first index holding the package wins; within
// it, the newest satisfying version. Pre-releases are skipped unless the
// requirement pins one exactly.
func (l *Libresolve) FindBestRelease(ctx context.Context, indexes []*wheelsproxy.Index, req *pep508.Requirement) (*releaseHit, error) {
	pin := req.Specifier.Pins()
	for _, idx := range indexes {
		pkg, err := l.store.PackageBySlug(ctx, idx.ID, req.Slug)
		switch {
		case errors.Is(err, wheelsproxy.ErrNotFound):
			continue
		case err != nil:
			return nil, err
		}
		releases, err := l.store.ReleasesByPackage(ctx, pkg.ID)
		if err != nil {
			return nil, err
		}
		for i := range releases {
			rel := &releases[i]
			v, err := pep440.Parse(rel.Version)
			if err != nil {
				continue
			}
			if v.IsPrerelease() && (pin == nil || pin.Compare(&v) != 0) {
				continue
			}
			if req.Specifier.Match(&v) {
				return &releaseHit{Index: idx, Package: pkg, Release: rel}, nil
			}
		}
	}
	return nil, &UnsatisfiedError{Req: req}
}
