package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Rebuild forces an existing build to run again, replacing its stored
// artifact.
func Rebuild(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rebuild <build-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad build id: %w", err)
	}
	b, err := a.store.BuildByID(ctx, id)
	if err != nil {
		return err
	}
	b, err = a.builds.Rebuild(ctx, b)
	if err != nil {
		return err
	}
	log.Info().Int64("build", b.ID).Str("artifact", b.Artifact).Msg("build replaced")
	return nil
}

// CaptureEnv runs the platform's container to capture its marker
// environment and stores the result.
func CaptureEnv(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: capture-env <platform-slug>")
	}
	platform, err := a.store.PlatformBySlug(ctx, args[0])
	if err != nil {
		return err
	}
	env, err := a.wheels.CaptureEnvironment(ctx, platform)
	if err != nil {
		return err
	}
	if err := a.store.SetPlatformEnvironment(ctx, platform.ID, env); err != nil {
		return err
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s = %q\n", k, env[k])
	}
	return nil
}
