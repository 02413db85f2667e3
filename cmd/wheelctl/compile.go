package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/wheelsproxy/wheelsproxy"
)

// scopeFlags parses the -indexes and -platform flags shared by the
// compile and resolve subcommands.
func scopeFlags(ctx context.Context, a *app, name string, args []string) ([]*wheelsproxy.Index, *wheelsproxy.Platform, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	indexArg := fs.String("indexes", "", "index slugs in preference order, joined by \"+\"")
	platformArg := fs.String("platform", "", "target platform slug")
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if *indexArg == "" || *platformArg == "" {
		return nil, nil, nil, fmt.Errorf("both -indexes and -platform are required")
	}
	var indexes []*wheelsproxy.Index
	for _, slug := range strings.Split(*indexArg, "+") {
		idx, err := a.store.IndexBySlug(ctx, slug)
		if err != nil {
			return nil, nil, nil, err
		}
		indexes = append(indexes, idx)
	}
	platform, err := a.store.PlatformBySlug(ctx, *platformArg)
	if err != nil {
		return nil, nil, nil, err
	}
	return indexes, platform, fs.Args(), nil
}

// Compile reads requirements from stdin and writes the pinned lock file
// to stdout.
func Compile(ctx context.Context, a *app, args []string) error {
	indexes, platform, _, err := scopeFlags(ctx, a, "compile", args)
	if err != nil {
		return err
	}
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	out, err := a.resolver.Compile(ctx, indexes, platform, string(input))
	if err != nil {
		return err
	}
	_, err = io.WriteString(os.Stdout, out)
	return err
}

// Resolve reads pinned requirements from stdin and writes one artifact
// URL per line to stdout.
func Resolve(ctx context.Context, a *app, args []string) error {
	indexes, platform, _, err := scopeFlags(ctx, a, "resolve", args)
	if err != nil {
		return err
	}
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	out, err := a.resolver.Resolve(ctx, indexes, platform, string(input))
	if err != nil {
		return err
	}
	_, err = io.WriteString(os.Stdout, out)
	return err
}

// Recompile re-runs a recorded compilation and writes the fresh lock file
// to stdout.
func Recompile(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: recompile <compilation-ref>")
	}
	ref, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("bad compilation ref: %w", err)
	}
	comp, err := a.store.CompilationByRef(ctx, ref)
	if err != nil {
		return err
	}
	var indexes []*wheelsproxy.Index
	for _, slug := range comp.IndexSlugs {
		idx, err := a.store.IndexBySlug(ctx, slug)
		if err != nil {
			return err
		}
		indexes = append(indexes, idx)
	}
	platform, err := a.store.PlatformByID(ctx, comp.PlatformID)
	if err != nil {
		return err
	}
	out, err := a.resolver.Compile(ctx, indexes, platform, comp.Requirements)
	if err != nil {
		return err
	}
	_, err = io.WriteString(os.Stdout, out)
	return err
}
