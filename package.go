package wheelsproxy

import (
	"strings"
	"time"
)

// Package is a project tracked under a single Index.
//
// The slug is the canonical lookup key; Name preserves the display form the
// upstream first reported. A package exists only while upstream reports at
// least one acceptable release for it.
type Package struct {
	ID      int64 `json:"id"`
	IndexID int64 `json:"index_id"`
	// Name is the display form as first observed upstream.
	Name string `json:"name"`
	// Slug is the normalized form, see pep503.Normalize.
	Slug string `json:"slug"`
}

// Release is a (package, version) with its canonical source artifact.
type Release struct {
	ID        int64 `json:"id"`
	PackageID int64 `json:"package_id"`
	// Version is stored in PEP 440 normalized form.
	Version string `json:"version"`
	// URL is the upstream artifact chosen at import time: the sdist when one
	// exists, else the universal wheel. Never empty for a stored release.
	URL        string    `json:"url"`
	MD5Digest  string    `json:"md5_digest,omitempty"`
	LastUpdate time.Time `json:"last_update"`
}

// Filename is the final path segment of the release URL.
func (r *Release) Filename() string {
	if i := strings.LastIndexByte(r.URL, '/'); i >= 0 {
		return r.URL[i+1:]
	}
	return r.URL
}
