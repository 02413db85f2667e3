package main

import (
	"context"
	"strings"
	"testing"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/test"
)

func TestSearch(t *testing.T) {
	ctx := context.Background()
	store := test.NewCatalog()

	pypi := &wheelsproxy.Index{Slug: "pypi", URL: "https://pypi.org/pypi", Backend: wheelsproxy.BackendPyPI}
	private := &wheelsproxy.Index{Slug: "private", URL: "https://devpi.example/root/prod", Backend: wheelsproxy.BackendDevPI}
	for _, idx := range []*wheelsproxy.Index{pypi, private} {
		if err := store.UpsertIndex(ctx, idx); err != nil {
			t.Fatal(err)
		}
	}
	for _, in := range []struct {
		Index *wheelsproxy.Index
		Name  string
	}{
		{pypi, "Django"},
		{pypi, "django-storages"},
		{pypi, "requests"},
		{private, "django-internal"},
	} {
		if _, err := store.UpsertPackage(ctx, in.Index.ID, in.Name); err != nil {
			t.Fatal(err)
		}
	}

	run := func(t *testing.T, indexArg, pattern string, limit int) []string {
		t.Helper()
		var sb strings.Builder
		if err := runSearch(ctx, store, &sb, indexArg, pattern, limit); err != nil {
			t.Fatal(err)
		}
		out := strings.TrimRight(sb.String(), "\n")
		if out == "" {
			return nil
		}
		return strings.Split(out, "\n")
	}

	t.Run("Pattern", func(t *testing.T) {
		lines := run(t, "", "django", 0)
		want := []string{"django", "django-internal", "django-storages"}
		if len(lines) != len(want) {
			t.Fatalf("got %d matches, want %d: %v", len(lines), len(want), lines)
		}
		// Matches come back sorted by slug.
		for i, slug := range want {
			if got := strings.Fields(lines[i])[0]; got != slug {
				t.Errorf("line %d: got slug %q, want %q", i, got, slug)
			}
		}
	})

	t.Run("NormalizesPattern", func(t *testing.T) {
		// Dotted and cased forms match through slug normalization.
		lines := run(t, "", "Django_St", 0)
		if len(lines) != 1 || !strings.HasPrefix(lines[0], "django-storages") {
			t.Fatalf("got %v, want the single django-storages match", lines)
		}
	})

	t.Run("IndexScoped", func(t *testing.T) {
		lines := run(t, "private", "django", 0)
		if len(lines) != 1 || !strings.HasPrefix(lines[0], "django-internal") {
			t.Fatalf("got %v, want the single private match", lines)
		}
		if !strings.HasSuffix(strings.TrimRight(lines[0], " "), "private") {
			t.Errorf("line %q does not name its index", lines[0])
		}
	})

	t.Run("Limit", func(t *testing.T) {
		lines := run(t, "", "django", 2)
		if len(lines) != 2 {
			t.Fatalf("got %d matches, want 2: %v", len(lines), lines)
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		if lines := run(t, "", "flask", 0); lines != nil {
			t.Fatalf("got %v, want no matches", lines)
		}
	})
}
