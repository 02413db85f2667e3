package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wheelsproxy/wheelsproxy/upstream"
)

// Sync synchronizes one index, or every configured index when no slug is
// given. -initial discards the change-log cursor first, forcing a full
// sweep over the upstream package list.
func Sync(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	initial := fs.Bool("initial", false, "force a full sweep instead of a change-log replay")
	if err := fs.Parse(args); err != nil {
		return err
	}

	slug := fs.Arg(0)
	if slug == "" {
		if *initial {
			return fmt.Errorf("-initial needs an index slug")
		}
		return a.syncer.Run(ctx)
	}
	idx, err := a.store.IndexBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if *initial {
		idx.LastUpdateSerial = nil
	}
	if err := a.syncer.Sync(ctx, idx); err != nil {
		return err
	}
	log.Info().Str("index", idx.Slug).Msg("index synchronized")
	return nil
}

// SyncPackage re-imports a single package, bypassing the change log.
func SyncPackage(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: sync-package <index-slug> <package>")
	}
	idx, err := a.store.IndexBySlug(ctx, args[0])
	if err != nil {
		return err
	}
	client, err := upstream.New(idx, nil)
	if err != nil {
		return err
	}
	_, imported, err := a.syncer.ImportPackage(ctx, idx, client, args[1])
	if err != nil {
		return err
	}
	if !imported {
		log.Info().Str("package", args[1]).Msg("package has no usable releases, removed")
		return nil
	}
	log.Info().Str("package", args[1]).Msg("package imported")
	return nil
}
