// Package linkcache caches rendered link pages and compile results in
// redis, invalidated through per-package serial counters.
//
// Every (index, package) pair has a serial counter; synchronization and
// builds bump it whenever anything about the package changes. Cached pages
// embed the counters of every index they were rendered from in their key,
// so a bump makes the old key unreachable instead of requiring deletion.
// Stale entries age out under redis eviction.
package linkcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	redis "github.com/redis/go-redis/v9"
)

// ErrMiss is returned for keys with no cached value.
var ErrMiss = errors.New("linkcache: miss")

// Cache is a redis-backed page cache.
type Cache struct {
	client *redis.Client
}

// New connects to the redis instance named by the URL, e.g.
// "redis://localhost:6379/0".
func New(url string) (*Cache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("linkcache: bad redis url: %w", err)
	}
	return &Cache{client: redis.NewClient(opt)}, nil
}

// NewWithClient wraps an existing client. Tests use it with miniredis.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Close releases the redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func serialKey(indexSlug, pkgSlug string) string {
	return fmt.Sprintf("serial/index:%s/package:%s", indexSlug, pkgSlug)
}

// Invalidate bumps the package's serial counter. INCR creates a missing
// counter at 1, so there is no read-modify-write.
func (c *Cache) Invalidate(ctx context.Context, indexSlug, pkgSlug string) error {
	return c.client.Incr(ctx, serialKey(indexSlug, pkgSlug)).Err()
}

// Vector reports the package's serial counters across the given indexes as
// a single comma-joined string, one MGET away. Missing counters read as 0.
// The keys are sorted so the vector does not depend on index order.
func (c *Cache) Vector(ctx context.Context, indexSlugs []string, pkgSlug string) (string, error) {
	keys := make([]string, len(indexSlugs))
	for i, slug := range indexSlugs {
		keys[i] = serialKey(slug, pkgSlug)
	}
	slices.Sort(keys)
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return "", err
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			parts[i] = "0"
			continue
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ","), nil
}

// PageKey is the cache key for a rendered link page. The serial vector is
// part of the key; see the package comment.
func PageKey(vector string, indexSlugs []string, platformSlug, pkgSlug string) string {
	return fmt.Sprintf("links/indexes:%s/platform:%s/package:%s/v:%s",
		strings.Join(indexSlugs, "+"), platformSlug, pkgSlug, vector)
}

// CompileKey is the cache key for a compile result. The digest is expected
// to cover the input and the serial vector.
func CompileKey(digest string) string {
	return "compile/" + digest
}

// Get reads a cached page. ErrMiss means the key holds nothing.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrMiss
	case err != nil:
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("linkcache: garbled entry at %q: %w", key, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Set stores a page, gzip-compressed, with no expiry. Old entries become
// unreachable through key rotation and are left to redis eviction.
func (c *Cache) Set(ctx context.Context, key string, body []byte) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return c.client.Set(ctx, key, buf.Bytes(), 0).Err()
}
