package wheelsproxy

import "errors"

// ErrNotFound is reported by catalog lookups that matched no row, and by the
// HTTP layer when a path names an unknown index, platform, package, or
// build.
//
// Component-specific failures carry their own types: see upstream for
// ErrPackageNotFound and IndexUnavailableError, builder for
// BuildFailedError, and libresolve for UnsatisfiedError and
// MergeConflictError.
var ErrNotFound = errors.New("wheelsproxy: not found")
