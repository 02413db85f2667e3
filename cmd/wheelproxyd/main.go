// Command wheelproxyd serves the caching wheel proxy: the simple-index
// front end, the on-demand build pipeline, and the background index
// synchronization loop.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wheelsproxy/wheelsproxy/blobstore"
	"github.com/wheelsproxy/wheelsproxy/builder"
	"github.com/wheelsproxy/wheelsproxy/datastore/postgres"
	"github.com/wheelsproxy/wheelsproxy/httptransport"
	"github.com/wheelsproxy/wheelsproxy/libbuild"
	"github.com/wheelsproxy/wheelsproxy/libresolve"
	"github.com/wheelsproxy/wheelsproxy/libsync"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
)

// Config this struct is using the goconfig library for simple flag and env
// var parsing. See: https://github.com/crgimenes/goconfig
type Config struct {
	HTTPListenAddr  string `cfgDefault:"0.0.0.0:8080" cfg:"HTTP_LISTEN_ADDR"`
	DatabaseDSN     string `cfg:"DATABASE_DSN" cfgHelper:"Connection string for the catalog database"`
	RedisURL        string `cfg:"REDIS_URL" cfgHelper:"Redis URL for the link and compile caches"`
	BuildsStorage   string `cfg:"BUILDS_STORAGE_DSN" cfgHelper:"Blob store DSN, s3:// or file://"`
	BuildsDocker    string `cfgDefault:"unix:///var/run/docker.sock" cfg:"BUILDS_DOCKER_DSN" cfgHelper:"Docker daemon endpoint used for builds"`
	AlwaysRedirect  bool   `cfgDefault:"false" cfg:"ALWAYS_REDIRECT_DOWNLOADS" cfgHelper:"Route every download through the trigger endpoint"`
	ServeBuilds     bool   `cfgDefault:"false" cfg:"SERVE_BUILDS" cfgHelper:"Serve the file blob store under /+builds/"`
	TempBuildRoot   string `cfgDefault:"/tmp" cfg:"TEMP_BUILD_ROOT" cfgHelper:"Scratch space shared with the docker daemon"`
	CompileCache    string `cfgDefault:"/cache" cfg:"COMPILE_CACHE_ROOT" cfgHelper:"Per-platform pip cache directory"`
	CacheRetries    int    `cfgDefault:"3" cfg:"MAX_CACHE_BUSTING_RETRIES"`
	SyncInterval    string `cfgDefault:"5m" cfg:"SYNC_INTERVAL"`
	SyncConcurrency int    `cfgDefault:"30" cfg:"SYNC_CONCURRENCY"`
	SyncChunkSize   int    `cfgDefault:"150" cfg:"SYNC_CHUNK_SIZE"`
	IndexConfig     string `cfg:"INDEX_CONFIG" cfgHelper:"YAML file declaring indexes and platforms to upsert at boot"`
	LogLevel        string `cfgDefault:"info" cfg:"LOG_LEVEL" cfgHelper:"Log levels: debug, info, warning, error, fatal, panic"`
	Migrations      bool   `cfgDefault:"true" cfg:"MIGRATIONS" cfgHelper:"Run database migrations at boot"`
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

	interval, err := time.ParseDuration(conf.SyncInterval)
	if err != nil {
		log.Fatal().Msgf("bad SYNC_INTERVAL: %v", err)
	}

	pool, err := postgres.Connect(ctx, conf.DatabaseDSN, "wheelproxyd")
	if err != nil {
		log.Fatal().Msgf("failed to connect to the database: %v", err)
	}
	store, err := postgres.InitStore(ctx, pool, conf.Migrations)
	if err != nil {
		log.Fatal().Msgf("failed to initialize the catalog store: %v", err)
	}
	defer store.Close(ctx)

	cache, err := linkcache.New(conf.RedisURL)
	if err != nil {
		log.Fatal().Msgf("failed to connect to redis: %v", err)
	}
	defer cache.Close()

	blobs, err := blobstore.New(ctx, conf.BuildsStorage)
	if err != nil {
		log.Fatal().Msgf("failed to open the blob store: %v", err)
	}

	wheels, err := builder.New(ctx, builder.Options{
		DockerDSN:    conf.BuildsDocker,
		TempRoot:     conf.TempBuildRoot,
		PipCacheRoot: conf.CompileCache,
	})
	if err != nil {
		log.Fatal().Msgf("failed to create the builder: %v", err)
	}
	defer wheels.Close()

	builds, err := libbuild.New(ctx, &libbuild.Options{
		Store:          store,
		Blobs:          blobs,
		Builder:        wheels,
		Cache:          cache,
		AlwaysRedirect: conf.AlwaysRedirect,
	})
	if err != nil {
		log.Fatal().Msgf("failed to create the build scheduler: %v", err)
	}
	resolver, err := libresolve.New(ctx, &libresolve.Options{
		Store:  store,
		Builds: builds,
		Cache:  cache,
	})
	if err != nil {
		log.Fatal().Msgf("failed to create the resolver: %v", err)
	}
	syncer, err := libsync.New(ctx, &libsync.Options{
		Store:       store,
		Blobs:       blobs,
		Cache:       cache,
		Interval:    interval,
		Concurrency: conf.SyncConcurrency,
		ChunkSize:   conf.SyncChunkSize,
	})
	if err != nil {
		log.Fatal().Msgf("failed to create the syncer: %v", err)
	}

	if conf.IndexConfig != "" {
		if err := seed(ctx, store, wheels, conf.IndexConfig); err != nil {
			log.Fatal().Msgf("failed to apply %s: %v", conf.IndexConfig, err)
		}
	}

	go func() {
		if err := syncer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Msgf("synchronization loop exited: %v", err)
		}
	}()

	hOpts := &httptransport.Options{
		Store:        store,
		Builds:       builds,
		Resolver:     resolver,
		Cache:        cache,
		CacheRetries: conf.CacheRetries,
	}
	if fileStore, ok := blobs.(*blobstore.File); ok && conf.ServeBuilds {
		hOpts.BuildsRoot = fileStore.Root()
	}
	h, err := httptransport.New(ctx, hOpts)
	if err != nil {
		log.Fatal().Msgf("failed to create the http handler: %v", err)
	}

	srv := &http.Server{
		Addr:        conf.HTTPListenAddr,
		Handler:     h,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, sdone := context.WithTimeout(context.Background(), 10*time.Second)
		defer sdone()
		srv.Shutdown(sctx)
	}()

	log.Printf("starting http server on %v", conf.HTTPListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Msgf("failed to start http server: %v", err)
	}
}

func logLevel(conf Config) zerolog.Level {
	level := strings.ToLower(conf.LogLevel)
	switch level {
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
