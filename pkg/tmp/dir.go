// Package tmp provides scratch directories that clean themselves up.
package tmp

import "os"

// Dir is a temporary directory which removes itself, and everything under
// it, on Close.
type Dir struct {
	path string
}

// NewDir creates a fresh directory under root, following the naming rules
// of [os.MkdirTemp]. An empty root falls back to the system default.
func NewDir(root, pattern string) (*Dir, error) {
	p, err := os.MkdirTemp(root, pattern)
	if err != nil {
		return nil, err
	}
	return &Dir{path: p}, nil
}

// Path reports the directory's path.
func (d *Dir) Path() string {
	return d.path
}

// Close removes the directory and its contents.
func (d *Dir) Close() error {
	return os.RemoveAll(d.path)
}
