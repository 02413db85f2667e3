// Package blobstore persists built wheel artifacts.
//
// Artifacts are addressed by path; writes overwrite whatever is stored at
// the path. Two backends exist, selected by the DSN scheme: "file://" for a
// local directory and "s3://" for any S3-compatible endpoint.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path"
)

// Store is the blob storage interface.
//
// Saving to an existing path replaces the stored object; the catalog's
// artifact paths are derived from (index, platform, package, version), so a
// rebuild lands on the same path and the last write wins.
type Store interface {
	// Save stores size bytes from r at the path.
	Save(ctx context.Context, path string, r io.Reader, size int64) error
	// Open reads the object back.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, path string) error
	// URL reports the address installers download the object from.
	URL(ctx context.Context, path string) (string, error)
}

// New constructs the store named by the DSN.
//
//	file:///var/lib/wheelsproxy?base_url=/+builds
//	s3://ACCESS:SECRET@s3.example.net/bucket?secure=true
func New(ctx context.Context, dsn string) (Store, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("blobstore: bad dsn: %w", err)
	}
	switch u.Scheme {
	case "file":
		return newFile(u)
	case "s3":
		return newS3(ctx, u)
	}
	return nil, fmt.Errorf("blobstore: unknown scheme %q", u.Scheme)
}

// BuildPath is where an internal build's wheel is stored. The filename is
// preserved verbatim so installers can parse the wheel's compatibility
// tags.
func BuildPath(indexSlug, platformSlug, packageSlug, version, filename string) string {
	return path.Join(indexSlug, platformSlug, packageSlug, version, filename)
}

// ExternalBuildPath is where an external build's wheel is stored. The URL
// is hashed: external URLs are arbitrary and do not make stable path
// segments.
func ExternalBuildPath(platformSlug, externalURL, filename string) string {
	d := sha256.Sum256([]byte(externalURL))
	return path.Join("__external__", platformSlug, hex.EncodeToString(d[:]), filename)
}
