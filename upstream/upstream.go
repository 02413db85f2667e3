// Package upstream provides the clients that talk to upstream package
// indexes.
//
// Every index backend exposes the same four capabilities: a change-log
// cursor, full package enumeration, incremental change traversal, and
// per-package release listing. New dispatches on the index's backend tag.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/wheelsproxy/wheelsproxy"
)

// Event is one change-log entry.
type Event struct {
	// Name is the affected package, or "" when the entry only advances the
	// serial (deduplicated repeats).
	Name string
	// Serial is the entry's change-log serial.
	Serial int64
}

// Client is the capability set shared by all index backends.
type Client interface {
	// LastSerial reports the upstream's current change-log serial.
	LastSerial(ctx context.Context) (int64, error)
	// ListPackages enumerates every package name known upstream.
	ListPackages(ctx context.Context) ([]string, error)
	// IterUpdates walks the change log after the given serial. Repeated
	// names within one traversal are yielded with an empty Name so callers
	// can still advance their cursor. The traversal re-checks the upstream
	// serial and extends until drained.
	IterUpdates(ctx context.Context, since int64) iter.Seq2[Event, error]
	// PackageReleases reports the upstream artifacts per version.
	// Artifacts of unusable kinds are filtered out here. It reports
	// ErrPackageNotFound when upstream answers 404.
	PackageReleases(ctx context.Context, name string) (map[string][]wheelsproxy.ReleaseDescriptor, error)
}

// ErrPackageNotFound is reported when an upstream answers 404 for a package
// name. It is non-fatal: the synchronizer treats it as "gone upstream".
var ErrPackageNotFound = errors.New("upstream: package not found")

// IndexUnavailableError wraps transport faults and unexpected statuses.
// These are retryable.
type IndexUnavailableError struct {
	Index string
	Err   error
}

func (e *IndexUnavailableError) Error() string {
	return fmt.Sprintf("upstream: index %q unavailable: %v", e.Index, e.Err)
}

func (e *IndexUnavailableError) Unwrap() error {
	return e.Err
}

// Default tunables, shared by both backends.
const (
	DefaultTimeout = 15 * time.Second
	DefaultRetries = 3
)

// Options adjusts client construction.
type Options struct {
	// Client is the http.Client used for all requests; nil means
	// http.DefaultClient.
	Client *http.Client
	// Timeout bounds each upstream call. Zero means DefaultTimeout.
	Timeout time.Duration
	// Retries is how often change-log requests are retried. Zero means
	// DefaultRetries.
	Retries int
	// RateLimit bounds request frequency per client. Zero means no limit.
	RateLimit rate.Limit
}

func (o *Options) fill() *Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Client == nil {
		out.Client = http.DefaultClient
	}
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Retries == 0 {
		out.Retries = DefaultRetries
	}
	return &out
}

// New returns the client for the index's backend tag.
func New(idx *wheelsproxy.Index, opts *Options) (Client, error) {
	opts = opts.fill()
	switch idx.Backend {
	case wheelsproxy.BackendPyPI:
		return newPyPI(idx, opts), nil
	case wheelsproxy.BackendDevPI:
		return newDevPI(idx, opts)
	}
	return nil, fmt.Errorf("upstream: unknown backend %q", idx.Backend)
}

// caller bundles the per-call plumbing shared by the backends: rate
// limiting, timeouts and bounded retries.
type caller struct {
	index   string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	retries int
}

func newCaller(index string, opts *Options) caller {
	c := caller{
		index:   index,
		client:  opts.Client,
		timeout: opts.Timeout,
		retries: opts.Retries,
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(opts.RateLimit, int(opts.RateLimit)+1)
	}
	return c
}

// do runs fn under the rate limit and call timeout.
func (c *caller) do(ctx context.Context, fn func(context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	tctx, done := context.WithTimeout(ctx, c.timeout)
	defer done()
	return fn(tctx)
}

// retry runs fn up to the configured retry count, keeping the last error.
func (c *caller) retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for i := 0; i < c.retries; i++ {
		if err = c.do(ctx, fn); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// getJSON fetches the URL and decodes the body. A 404 maps to
// ErrPackageNotFound, any other non-200 to an IndexUnavailableError.
func (c *caller) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return &IndexUnavailableError{Index: c.index, Err: err}
	}
	defer func() {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrPackageNotFound
	default:
		return &IndexUnavailableError{
			Index: c.index,
			Err:   fmt.Errorf("unexpected status: %s", res.Status),
		}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &IndexUnavailableError{Index: c.index, Err: err}
	}
	return nil
}
