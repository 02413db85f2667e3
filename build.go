package wheelsproxy

import "time"

// Build is the platform wheel produced (or to be produced) from a Release's
// source artifact. The row exists from first reference; the artifact fields
// are populated by the builder.
//
// Artifact being non-empty is the single source of truth for "built"; every
// derived view mirrors it.
type Build struct {
	ID         int64 `json:"id"`
	ReleaseID  int64 `json:"release_id"`
	PlatformID int64 `json:"platform_id"`
	// Artifact is the blob store path of the built wheel, empty until the
	// build succeeds.
	Artifact  string `json:"artifact,omitempty"`
	Filesize  int64  `json:"filesize,omitempty"`
	MD5Digest string `json:"md5_digest,omitempty"`
	// Metadata is the structured metadata extracted from the built wheel.
	Metadata       *WheelMetadata `json:"metadata,omitempty"`
	BuildTimestamp time.Time      `json:"build_timestamp,omitzero"`
	BuildDuration  time.Duration  `json:"build_duration,omitempty"`
	// BuildLog is the captured container output of the most recent attempt,
	// kept on failure as well.
	BuildLog string `json:"-"`
}

// Built reports whether the build has produced an artifact.
func (b *Build) Built() bool {
	return b.Artifact != ""
}

// ExternalBuild is a platform wheel produced from a bare URL requirement
// rather than a catalog Release. The URL carries an "#egg=name==version"
// fragment identifying what it provides.
type ExternalBuild struct {
	ID          int64  `json:"id"`
	ExternalURL string `json:"external_url"`
	PlatformID  int64  `json:"platform_id"`

	Artifact       string         `json:"artifact,omitempty"`
	Filesize       int64          `json:"filesize,omitempty"`
	MD5Digest      string         `json:"md5_digest,omitempty"`
	Metadata       *WheelMetadata `json:"metadata,omitempty"`
	BuildTimestamp time.Time      `json:"build_timestamp,omitzero"`
	BuildDuration  time.Duration  `json:"build_duration,omitempty"`
	BuildLog       string         `json:"-"`
}

// Built reports whether the build has produced an artifact.
func (b *ExternalBuild) Built() bool {
	return b.Artifact != ""
}
