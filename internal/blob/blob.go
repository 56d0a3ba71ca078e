// Package blob stores uploaded speaking recordings.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNotFound is returned by Get for a name that was never stored.
var ErrNotFound = errors.New("blob not found")

// Store saves a named object and returns a reference to it (a path or URL).
// Get reads an object back by the name it was stored under.
type Store interface {
	Put(ctx context.Context, name, contentType string, r io.Reader) (string, error)
	Get(ctx context.Context, name string) (io.ReadCloser, error)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName reduces name to characters safe in file names and Drive titles.
func SafeName(name string) string {
	name = unsafeName.ReplaceAllString(filepath.Base(name), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "recording"
	}
	return name
}

// FSStore keeps objects in a local directory.
type FSStore struct {
	Dir string
}

// Put implements Store.
func (s FSStore) Put(ctx context.Context, name, _ string, r io.Reader) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	path := filepath.Join(s.Dir, SafeName(name))
	f, err := os.CreateTemp(s.Dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := io.Copy(f, readerWithContext(ctx, r)); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return path, nil
}

// Get implements Store.
func (s FSStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Dir, SafeName(name)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return f, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
