package wheelsproxy

import (
	"path"
	"strings"

	"github.com/wheelsproxy/wheelsproxy/pkg/pep427"
)

// Artifact kinds reported by upstream indexes. Anything else is ignored
// during import.
const (
	KindSdist = "sdist"
	KindWheel = "bdist_wheel"
)

// ReleaseDescriptor is one downloadable artifact for a (package, version) as
// reported by an upstream index.
type ReleaseDescriptor struct {
	Version   string `json:"version"`
	URL       string `json:"url"`
	MD5Digest string `json:"md5_digest,omitempty"`
	// Kind is KindSdist, KindWheel, or empty for artifacts the proxy cannot
	// use.
	Kind string `json:"kind"`
}

// KindFromURL infers the artifact kind from the URL's file extension, for
// upstreams that do not report one.
func KindFromURL(url string) string {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		url = url[:i]
	}
	switch {
	case strings.HasSuffix(url, ".whl"):
		return KindWheel
	case strings.HasSuffix(url, ".tar.gz"),
		strings.HasSuffix(url, ".tgz"),
		strings.HasSuffix(url, ".tar.bz2"),
		strings.HasSuffix(url, ".zip"):
		return KindSdist
	}
	// .egg, .exe, .msi, .rpm, .dmg and anything unrecognized.
	return ""
}

// BestDescriptor picks the single artifact to import for one version:
// the sdist when present, else a universal wheel. Returns nil when the
// version has no usable artifact.
func BestDescriptor(ds []ReleaseDescriptor) *ReleaseDescriptor {
	var wheel *ReleaseDescriptor
	for i := range ds {
		d := &ds[i]
		switch d.Kind {
		case KindSdist:
			return d
		case KindWheel:
			if wheel != nil {
				continue
			}
			u := d.URL
			if j := strings.IndexByte(u, '#'); j >= 0 {
				u = u[:j]
			}
			if f, err := pep427.Parse(path.Base(u)); err == nil && f.Universal() {
				wheel = d
			}
		}
	}
	return wheel
}
