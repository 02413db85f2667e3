package wheelsproxy

import (
	"time"

	"github.com/google/uuid"
)

// Compilation track states. Transitions are one-way: pending moves to done
// or failed exactly once per track.
const (
	CompilePending = "pending"
	CompileDone    = "done"
	CompileFailed  = "failed"
)

// Compilation records one compile job: the input requirements, the index
// set and platform it ran against, and the per-track outcomes.
type Compilation struct {
	ID  int64     `json:"id"`
	Ref uuid.UUID `json:"ref"`
	// Requirements is the user-supplied requirements.in text.
	Requirements string `json:"requirements"`
	// IndexSlugs preserves the declared index order.
	IndexSlugs []string `json:"index_slugs"`
	// IndexURL is the proxy URL the lock file is valid against.
	IndexURL   string    `json:"index_url"`
	PlatformID int64     `json:"platform_id"`
	CreatedAt  time.Time `json:"created_at"`

	// Internal is the resolver track; it is the authoritative result.
	Internal CompilationTrack `json:"internal"`
	// Pip is the optional pip-compile call-out track.
	Pip CompilationTrack `json:"pip"`
}

// CompilationTrack is the outcome of one compile strategy.
type CompilationTrack struct {
	Status    string        `json:"status"`
	Result    string        `json:"result,omitempty"`
	Log       string        `json:"log,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
}
