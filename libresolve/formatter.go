package libresolve

import (
	"fmt"
	"sort"
	"strings"
)

// unsafeComment prefaces the commented-out block at the end of a lock
// file.
const unsafeComment = "The following packages are commented out because " +
	"they are considered to be unsafe in a requirements file:"

// Formatter renders a resolved graph as a pip-installable lock file.
//
// Direct-reference requirements come first, in input order. Pinned
// packages follow alphabetically, each annotated with the packages that
// required it. Unsafe packages close the file as a commented block.
type Formatter struct {
	// ShowParents is the column the "# via" annotations align to. Zero
	// disables the annotations.
	ShowParents int
	// Unsafe holds normalized names of packages that must not be pinned.
	Unsafe map[string]struct{}
}

// NewFormatter returns a Formatter with the default layout and the given
// unsafe package names.
func NewFormatter(unsafe []string) *Formatter {
	set := make(map[string]struct{}, len(unsafe))
	for _, name := range unsafe {
		set[name] = struct{}{}
	}
	return &Formatter{ShowParents: 28, Unsafe: set}
}

// Format renders the graph.
func (f *Formatter) Format(g *Graph) string {
	var b strings.Builder

	wroteExternal := false
	for _, node := range g.Nodes() {
		if !node.Build.IsExternal() {
			continue
		}
		wroteExternal = true
		f.writeRequirement(&b, node)
	}

	pinned := make([]*DependencyNode, 0, g.Len())
	var unsafe []*DependencyNode
	for _, node := range g.Nodes() {
		switch {
		case node.Build.IsExternal():
		case f.isUnsafe(node):
			unsafe = append(unsafe, node)
		default:
			pinned = append(pinned, node)
		}
	}
	sort.Slice(pinned, func(i, j int) bool {
		return strings.ToLower(pinned[i].Build.Name) < strings.ToLower(pinned[j].Build.Name)
	})
	sort.Slice(unsafe, func(i, j int) bool {
		return strings.ToLower(unsafe[i].Build.Name) < strings.ToLower(unsafe[j].Build.Name)
	})

	if wroteExternal && len(pinned) > 0 {
		b.WriteByte('\n')
	}
	for _, node := range pinned {
		f.writeRequirement(&b, node)
	}

	if len(unsafe) > 0 {
		b.WriteByte('\n')
		b.WriteString("# ")
		b.WriteString(wrapComment(unsafeComment, "# "))
		b.WriteByte('\n')
		for _, node := range unsafe {
			fmt.Fprintf(&b, "# %s\n", node.Build.Name)
		}
	}
	return b.String()
}

func (f *Formatter) isUnsafe(node *DependencyNode) bool {
	_, ok := f.Unsafe[node.Build.Slug]
	return ok
}

func (f *Formatter) writeRequirement(b *strings.Builder, node *DependencyNode) {
	var line string
	if node.Build.IsExternal() {
		line = node.Build.URL
	} else {
		line = fmt.Sprintf("%s==%s", node.Build.Name, node.Build.Version)
	}
	if f.ShowParents > 0 && !node.Declared && len(node.RequiredBy) > 0 {
		parents := make(map[string]struct{}, len(node.RequiredBy))
		for _, ref := range node.RequiredBy {
			parents[ref.Name] = struct{}{}
		}
		names := make([]string, 0, len(parents))
		for name := range parents {
			names = append(names, name)
		}
		sort.Strings(names)
		for len(line) < f.ShowParents-2 {
			line += " "
		}
		line += "  # via " + strings.Join(names, ", ")
	}
	b.WriteString(line)
	b.WriteByte('\n')
}

// wrapComment wraps text at 70 columns, continuation lines carrying the
// given prefix. The first line's prefix is the caller's.
func wrapComment(text, prefix string) string {
	words := strings.Fields(text)
	var out strings.Builder
	width := len(prefix)
	for i, w := range words {
		if i > 0 && width+1+len(w) > 70 {
			out.WriteByte('\n')
			out.WriteString(prefix)
			width = len(prefix)
		} else if i > 0 {
			out.WriteByte(' ')
			width++
		}
		out.WriteString(w)
		width += len(w)
	}
	return out.String()
}
