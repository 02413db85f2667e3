package main

import (
	"context"
	"fmt"
	"os"

	"github.com/quay/zlog"
	"gopkg.in/yaml.v3"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/builder"
	"github.com/wheelsproxy/wheelsproxy/datastore"
)

// seedConfig is the INDEX_CONFIG file layout: the indexes and platforms
// the proxy should know about, upserted at boot.
type seedConfig struct {
	Indexes []struct {
		Slug    string `yaml:"slug"`
		URL     string `yaml:"url"`
		Backend string `yaml:"backend"`
	} `yaml:"indexes"`
	Platforms []struct {
		Slug          string   `yaml:"slug"`
		Image         string   `yaml:"image"`
		SetupCommands []string `yaml:"setup_commands"`
	} `yaml:"platforms"`
}

func seed(ctx context.Context, store datastore.Catalog, wheels *builder.Builder, path string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "main/seed")
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg seedConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("malformed index config: %w", err)
	}

	for _, in := range cfg.Indexes {
		idx := &wheelsproxy.Index{Slug: in.Slug, URL: in.URL, Backend: in.Backend}
		if idx.Backend == "" {
			idx.Backend = wheelsproxy.BackendPyPI
		}
		if err := store.UpsertIndex(ctx, idx); err != nil {
			return fmt.Errorf("index %q: %w", in.Slug, err)
		}
		zlog.Info(ctx).Str("index", idx.Slug).Msg("index configured")
	}
	for _, p := range cfg.Platforms {
		platform := &wheelsproxy.Platform{
			Slug:          p.Slug,
			Type:          wheelsproxy.PlatformDocker,
			Spec:          p.Image,
			SetupCommands: p.SetupCommands,
		}
		if err := store.UpsertPlatform(ctx, platform); err != nil {
			return fmt.Errorf("platform %q: %w", p.Slug, err)
		}
		// The marker environment comes from the platform's own container.
		// Capture failure is not fatal at boot; the resolver needs the
		// environment, the link pages do not.
		if len(platform.Environment) == 0 {
			env, err := wheels.CaptureEnvironment(ctx, platform)
			if err != nil {
				zlog.Warn(ctx).Err(err).Str("platform", platform.Slug).
					Msg("failed to capture the marker environment")
				continue
			}
			if err := store.SetPlatformEnvironment(ctx, platform.ID, env); err != nil {
				return fmt.Errorf("platform %q: %w", p.Slug, err)
			}
		}
		zlog.Info(ctx).Str("platform", platform.Slug).Msg("platform configured")
	}
	return nil
}
