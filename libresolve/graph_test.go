package libresolve

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wheelsproxy/wheelsproxy/pkg/pep508"
)

func mustParse(t *testing.T, line string) *pep508.Requirement {
	t.Helper()
	req, err := pep508.Parse(line)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestMergeRequirements(t *testing.T) {
	t.Run("SpecifiersConcatenate", func(t *testing.T) {
		got, err := MergeRequirements(
			mustParse(t, "dist-a>=1.0"),
			mustParse(t, "dist-a<2.0"),
		)
		if err != nil {
			t.Fatal(err)
		}
		if s := got.Specifier.String(); s != ">=1.0,<2.0" {
			t.Errorf("got specifier %q", s)
		}
	})
	t.Run("ExtrasUnion", func(t *testing.T) {
		got, err := MergeRequirements(
			mustParse(t, "dist-a[tls,fast]"),
			mustParse(t, "dist-a[fast,doc]"),
		)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"doc", "fast", "tls"}
		if diff := cmp.Diff(want, got.Extras); diff != "" {
			t.Errorf("unexpected extras (-want +got):\n%s", diff)
		}
	})
	t.Run("URLWins", func(t *testing.T) {
		got, err := MergeRequirements(
			mustParse(t, "dist-a>=1.0"),
			mustParse(t, "dist-a @ https://ex.example/dist-a-1.2.tar.gz#egg=dist-a==1.2"),
		)
		if err != nil {
			t.Fatal(err)
		}
		if got.URL == "" {
			t.Error("merge dropped the URL")
		}
	})
	t.Run("ConflictingURLs", func(t *testing.T) {
		_, err := MergeRequirements(
			mustParse(t, "dist-a @ https://one.example/a.tar.gz#egg=dist-a==1.0"),
			mustParse(t, "dist-a @ https://two.example/a.tar.gz#egg=dist-a==1.0"),
		)
		var conflict *MergeConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("got %v, want MergeConflictError", err)
		}
	})
	t.Run("EggOutsideSpecifier", func(t *testing.T) {
		_, err := MergeRequirements(
			mustParse(t, "dist-a>=2.0"),
			mustParse(t, "dist-a @ https://ex.example/a.tar.gz#egg=dist-a==1.0"),
		)
		var conflict *MergeConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("got %v, want MergeConflictError", err)
		}
	})
	t.Run("DifferentPackages", func(t *testing.T) {
		if _, err := MergeRequirements(mustParse(t, "dist-a"), mustParse(t, "dist-b")); err == nil {
			t.Fatal("merged requirements for different packages")
		}
	})
}

func TestGraphOrphanRemoval(t *testing.T) {
	g := NewGraph()
	if err := g.AddDeclared(mustParse(t, "dist-a"), nil); err != nil {
		t.Fatal(err)
	}
	root := &BuildRef{Slug: "dist-a", Name: "dist-a", Version: "1.0"}
	g.Node("dist-a").Build = root
	if err := g.update(mustParse(t, "dist-b"), root); err != nil {
		t.Fatal(err)
	}
	child := &BuildRef{Slug: "dist-b", Name: "dist-b", Version: "2.0"}
	g.Node("dist-b").Build = child
	if err := g.update(mustParse(t, "dist-c"), child); err != nil {
		t.Fatal(err)
	}
	g.Node("dist-c").Build = &BuildRef{Slug: "dist-c", Name: "dist-c", Version: "1.0"}

	// Re-selecting dist-b at another version invalidates its edges, which
	// orphans dist-c transitively.
	g.Node("dist-b").Build = &BuildRef{Slug: "dist-b", Name: "dist-b", Version: "1.0"}
	g.RemoveOrphans()

	if g.Node("dist-c") != nil {
		t.Error("transitively orphaned node survived")
	}
	if g.Node("dist-b") == nil || g.Node("dist-a") == nil {
		t.Error("reachable nodes were removed")
	}
}

func TestFormatter(t *testing.T) {
	g := NewGraph()
	add := func(line string, declared bool, ref *BuildRef, parents ...*BuildRef) {
		req := mustParse(t, line)
		node := &DependencyNode{Req: req, Build: ref, Declared: declared, RequiredBy: parents}
		g.insert(req.Slug, node)
	}
	app := &BuildRef{Slug: "dist-app", Name: "dist-app", Version: "1.0"}
	add("dist-app", true, app)

	out := NewFormatter([]string{"setuptools"}).Format(g)
	if out != "dist-app==1.0\n" {
		t.Fatalf("got %q", out)
	}

	lib := &BuildRef{Slug: "dist-lib", Name: "dist-lib", Version: "2.0"}
	add("dist-lib", false, lib, app)
	add("setuptools", false, &BuildRef{Slug: "setuptools", Name: "setuptools", Version: "65.0"}, lib)
	out = NewFormatter([]string{"setuptools"}).Format(g)

	want := strings.Join([]string{
		"dist-app==1.0",
		"dist-lib==2.0" + strings.Repeat(" ", 13) + "  # via dist-app",
		"",
		"# The following packages are commented out because they are considered",
		"# to be unsafe in a requirements file:",
		"# setuptools",
	}, "\n") + "\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("unexpected lock file (-want +got):\n%s", diff)
	}
}
