package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/wheelsproxy/wheelsproxy/datastore"
)

// Search matches catalog package names against a substring pattern.
func Search(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	indexArg := fs.String("indexes", "", "restrict to these index slugs, joined by \"+\"")
	limit := fs.Int("limit", 50, "maximum number of matches")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: search [-indexes i1+i2] [-limit n] <pattern>")
	}
	return runSearch(ctx, a.store, os.Stdout, *indexArg, fs.Arg(0), *limit)
}

func runSearch(ctx context.Context, store datastore.Catalog, w io.Writer, indexArg, pattern string, limit int) error {
	indexSlugs := make(map[int64]string)
	var ids []int64
	if indexArg == "" {
		indexes, err := store.Indexes(ctx)
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			ids = append(ids, idx.ID)
			indexSlugs[idx.ID] = idx.Slug
		}
	} else {
		for _, slug := range strings.Split(indexArg, "+") {
			idx, err := store.IndexBySlug(ctx, slug)
			if err != nil {
				return err
			}
			ids = append(ids, idx.ID)
			indexSlugs[idx.ID] = idx.Slug
		}
	}
	pkgs, err := store.SearchPackages(ctx, ids, pattern, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, p := range pkgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Slug, p.Name, indexSlugs[p.IndexID])
	}
	return tw.Flush()
}
