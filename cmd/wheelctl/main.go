// Command wheelctl is the operator tool for the wheel proxy: index
// synchronization, on-demand builds and compiles from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/crgimenes/goconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wheelsproxy/wheelsproxy/blobstore"
	"github.com/wheelsproxy/wheelsproxy/builder"
	"github.com/wheelsproxy/wheelsproxy/datastore/postgres"
	"github.com/wheelsproxy/wheelsproxy/libbuild"
	"github.com/wheelsproxy/wheelsproxy/libresolve"
	"github.com/wheelsproxy/wheelsproxy/libsync"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
)

// Config mirrors the server's environment keys; wheelctl is meant to run
// against the same deployment.
type Config struct {
	DatabaseDSN   string `cfg:"DATABASE_DSN" cfgHelper:"Connection string for the catalog database"`
	RedisURL      string `cfg:"REDIS_URL" cfgHelper:"Redis URL for the link and compile caches"`
	BuildsStorage string `cfg:"BUILDS_STORAGE_DSN" cfgHelper:"Blob store DSN, s3:// or file://"`
	BuildsDocker  string `cfgDefault:"unix:///var/run/docker.sock" cfg:"BUILDS_DOCKER_DSN"`
	TempBuildRoot string `cfgDefault:"/tmp" cfg:"TEMP_BUILD_ROOT"`
	CompileCache  string `cfgDefault:"/cache" cfg:"COMPILE_CACHE_ROOT"`
	LogLevel      string `cfgDefault:"info" cfg:"LOG_LEVEL"`
}

// app bundles the wired components subcommands pick from.
type app struct {
	conf     Config
	store    *postgres.Store
	cache    *linkcache.Cache
	blobs    blobstore.Store
	wheels   *builder.Builder
	builds   *libbuild.Libbuild
	resolver *libresolve.Libresolve
	syncer   *libsync.Syncer
}

func newApp(ctx context.Context, conf Config) (*app, error) {
	pool, err := postgres.Connect(ctx, conf.DatabaseDSN, "wheelctl")
	if err != nil {
		return nil, err
	}
	store, err := postgres.InitStore(ctx, pool, false)
	if err != nil {
		return nil, err
	}
	cache, err := linkcache.New(conf.RedisURL)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.New(ctx, conf.BuildsStorage)
	if err != nil {
		return nil, err
	}
	wheels, err := builder.New(ctx, builder.Options{
		DockerDSN:    conf.BuildsDocker,
		TempRoot:     conf.TempBuildRoot,
		PipCacheRoot: conf.CompileCache,
	})
	if err != nil {
		return nil, err
	}
	builds, err := libbuild.New(ctx, &libbuild.Options{
		Store: store, Blobs: blobs, Builder: wheels, Cache: cache,
	})
	if err != nil {
		return nil, err
	}
	resolver, err := libresolve.New(ctx, &libresolve.Options{
		Store: store, Builds: builds, Cache: cache,
	})
	if err != nil {
		return nil, err
	}
	syncer, err := libsync.New(ctx, &libsync.Options{
		Store: store, Blobs: blobs, Cache: cache,
	})
	if err != nil {
		return nil, err
	}
	return &app{
		conf:     conf,
		store:    store,
		cache:    cache,
		blobs:    blobs,
		wheels:   wheels,
		builds:   builds,
		resolver: resolver,
		syncer:   syncer,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	a.wheels.Close()
	a.cache.Close()
	a.store.Close(ctx)
}

type subcmd func(context.Context, *app, []string) error

var subcmds = map[string]struct {
	fn   subcmd
	help string
}{
	"sync":         {Sync, "synchronize an index (or all of them) with its upstream"},
	"sync-package": {SyncPackage, "re-import a single package from its upstream"},
	"compile":      {Compile, "compile requirements from stdin into a lock file on stdout"},
	"resolve":      {Resolve, "resolve pinned requirements from stdin into artifact URLs"},
	"rebuild":      {Rebuild, "force a build to run again"},
	"recompile":    {Recompile, "re-run a recorded compilation by ref"},
	"search":       {Search, "match catalog package names against a pattern"},
	"capture-env":  {CaptureEnv, "capture a platform's marker environment from its image"},
}

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	conf := Config{}
	if err := goconfig.Parse(&conf); err != nil {
		log.Fatal().Msgf("failed to parse config: %v", err)
	}
	zerolog.SetGlobalLevel(logLevel(conf))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	ctx = log.Logger.WithContext(ctx)

	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(99)
	}
	cmd, ok := subcmds[args[0]]
	if !ok {
		usage()
		fmt.Fprintf(os.Stderr, "\nunknown subcommand %q\n", args[0])
		os.Exit(99)
	}

	a, err := newApp(ctx, conf)
	if err != nil {
		log.Fatal().Msgf("failed to wire components: %v", err)
	}
	defer a.Close(ctx)

	if err := cmd.fn(ctx, a, args[1:]); err != nil {
		log.Error().Msgf("%s: %v", args[0], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage of %s:\n\nSubcommands\n\n", os.Args[0])
	names := make([]string, 0, len(subcmds))
	for name := range subcmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "%s\n\t%s\n", name, subcmds[name].help)
	}
}

func logLevel(conf Config) zerolog.Level {
	switch strings.ToLower(conf.LogLevel) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
