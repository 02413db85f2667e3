package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// File stores blobs under a directory tree.
type File struct {
	root string
	// baseURL prefixes download URLs; it defaults to the path the server
	// binary serves the root under.
	baseURL string
}

var _ Store = (*File)(nil)

func newFile(u *url.URL) (*File, error) {
	root := u.Path
	if u.Host != "" {
		// Accept the sloppy two-slash form, file://tmp/wheels.
		root = "/" + u.Host + u.Path
	}
	if root == "" {
		return nil, fmt.Errorf("blobstore: file dsn names no directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	base := u.Query().Get("base_url")
	if base == "" {
		base = "/+builds"
	}
	return &File{root: root, baseURL: strings.TrimSuffix(base, "/")}, nil
}

// Root reports the backing directory, for the server binary's file server.
func (s *File) Root() string {
	return s.root
}

// resolve maps a blob path below the root, rejecting traversal.
func (s *File) resolve(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("blobstore: empty path")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Save implements Store.
func (s *File) Save(_ context.Context, p string, r io.Reader, size int64) error {
	fp, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return err
	}
	// Write to the side, then rename: readers never observe a partial
	// object, and the rename is the overwrite.
	tmp, err := os.CreateTemp(filepath.Dir(fp), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.CopyN(tmp, r, size); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fp)
}

// Open implements Store.
func (s *File) Open(_ context.Context, p string) (io.ReadCloser, error) {
	fp, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	return os.Open(fp)
}

// Delete implements Store.
func (s *File) Delete(_ context.Context, p string) error {
	fp, err := s.resolve(p)
	if err != nil {
		return err
	}
	err = os.Remove(fp)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// URL implements Store.
func (s *File) URL(_ context.Context, p string) (string, error) {
	return s.baseURL + path.Clean("/"+p), nil
}
