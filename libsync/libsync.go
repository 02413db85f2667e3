// Package libsync keeps the catalog in step with the configured upstream
// indexes.
//
// Synchronization is change-log driven: every index exposes a monotone
// serial, and the syncer replays events past the stored cursor. An index
// with no cursor yet goes through an initial sweep over the full package
// list first.
package libsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/blobstore"
	"github.com/wheelsproxy/wheelsproxy/datastore"
	"github.com/wheelsproxy/wheelsproxy/linkcache"
	"github.com/wheelsproxy/wheelsproxy/locksource"
	"github.com/wheelsproxy/wheelsproxy/upstream"
)

const (
	// DefaultInterval is how often the background loop replays change
	// logs.
	DefaultInterval = 5 * time.Minute
	// DefaultConcurrency bounds the in-flight import batches during the
	// initial sweep.
	DefaultConcurrency = 30
	// DefaultChunkSize is how many packages one import batch covers.
	DefaultChunkSize = 150
)

var (
	syncCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wheelsproxy",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of per-index synchronization runs.",
		},
		[]string{"index", "outcome"},
	)
	importDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wheelsproxy",
			Subsystem: "sync",
			Name:      "import_duration_seconds",
			Help:      "Duration of single package imports.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"index"},
	)
)

// Options configures a Syncer.
type Options struct {
	// Store is the catalog being synchronized.
	Store datastore.Catalog
	// Blobs is where orphaned build artifacts are reaped from.
	Blobs blobstore.Store
	// Cache is invalidated as packages change.
	Cache *linkcache.Cache
	// Locker serializes runs per index. Defaults to a process-local lock
	// source.
	Locker locksource.ContextLock
	// Client is the HTTP client handed to upstream clients. Defaults to
	// http.DefaultClient.
	Client *http.Client

	// Interval is the background loop period; see DefaultInterval.
	Interval time.Duration
	// Concurrency and ChunkSize shape the initial sweep; see the
	// defaults.
	Concurrency int
	ChunkSize   int

	// NewUpstream constructs the change-log client for an index. Nil uses
	// upstream.New; tests substitute fakes here.
	NewUpstream func(*wheelsproxy.Index, *upstream.Options) (upstream.Client, error)
}

// Syncer drives upstream clients to keep the catalog current.
type Syncer struct {
	store       datastore.Catalog
	blobs       blobstore.Store
	cache       *linkcache.Cache
	locker      locksource.ContextLock
	client      *http.Client
	interval    time.Duration
	concurrency int
	chunkSize   int
	newUpstream func(*wheelsproxy.Index, *upstream.Options) (upstream.Client, error)
}

// New constructs a Syncer from opts.
func New(_ context.Context, opts *Options) (*Syncer, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("libsync: options missing a store")
	case opts.Blobs == nil:
		return nil, errors.New("libsync: options missing a blob store")
	case opts.Cache == nil:
		return nil, errors.New("libsync: options missing a link cache")
	}
	s := &Syncer{
		store:       opts.Store,
		blobs:       opts.Blobs,
		cache:       opts.Cache,
		locker:      opts.Locker,
		client:      opts.Client,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		chunkSize:   opts.ChunkSize,
		newUpstream: opts.NewUpstream,
	}
	if s.locker == nil {
		s.locker = &locksource.Local{}
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	if s.interval == 0 {
		s.interval = DefaultInterval
	}
	if s.concurrency == 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.chunkSize == 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.newUpstream == nil {
		s.newUpstream = upstream.New
	}
	return s, nil
}

// Start runs an immediate pass over all indexes, then one per interval
// until the context is canceled.
func (s *Syncer) Start(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "libsync/Syncer.Start")
	if err := s.Run(ctx); err != nil {
		zlog.Error(ctx).Err(err).Msg("synchronization pass errored")
	}
	zlog.Info(ctx).Str("interval", s.interval.String()).Msg("starting background synchronization")
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.Run(ctx); err != nil {
				zlog.Error(ctx).Err(err).Msg("synchronization pass errored")
			}
		}
	}
}

// Run synchronizes every configured index once. Indexes are synchronized
// concurrently; ones locked by another run are skipped, and one index's
// failure does not stop the others.
func (s *Syncer) Run(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "libsync/Syncer.Run")
	indexes, err := s.store.Indexes(ctx)
	if err != nil {
		return err
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i := range indexes {
		idx := &indexes[i]
		eg.Go(func() error {
			lctx, done := s.locker.TryLock(ctx, locksource.Key("sync", idx.Slug))
			defer done()
			if lctx.Err() != nil {
				zlog.Debug(ctx).Str("index", idx.Slug).Msg("sync in progress elsewhere, skipping")
				return nil
			}
			err := s.Sync(lctx, idx)
			outcome := "success"
			if err != nil {
				outcome = "failure"
				mu.Lock()
				errs = append(errs, fmt.Errorf("index %q: %w", idx.Slug, err))
				mu.Unlock()
			}
			syncCounter.WithLabelValues(idx.Slug, outcome).Inc()
			return nil
		})
	}
	eg.Wait()
	return errors.Join(errs...)
}

// Sync brings one index up to date: an initial sweep if it has never been
// synchronized, then a change-log replay either way.
func (s *Syncer) Sync(ctx context.Context, idx *wheelsproxy.Index) error {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libsync/Syncer.Sync",
		"index", idx.Slug)
	client, err := s.newUpstream(idx, &upstream.Options{Client: s.client})
	if err != nil {
		return err
	}
	if !idx.Synced() {
		if err := s.initialSweep(ctx, idx, client); err != nil {
			return err
		}
	}
	// Replay also right after a sweep; events may have arrived while it
	// ran.
	return s.replay(ctx, idx, client)
}
