package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// LocalStore keeps objects as files below a base directory.
type LocalStore struct {
	fs afero.Fs
}

// NewLocalStore roots the store at dir on the host filesystem.
func NewLocalStore(dir string) (*LocalStore, error) {
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return NewLocalStoreFs(afero.NewBasePathFs(osfs, dir)), nil
}

// NewLocalStoreFs wraps an arbitrary afero filesystem.
func NewLocalStoreFs(fsys afero.Fs) *LocalStore {
	return &LocalStore{fs: fsys}
}

func (l *LocalStore) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	p, err := objectPath(key)
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(path.Dir(p), 0o700); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	f, err := l.fs.Create(p)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		_ = f.Close()
		_ = l.fs.Remove(p)
		return fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = l.fs.Remove(p)
		return fmt.Errorf("close object: %w", err)
	}
	return nil
}

func (l *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := objectPath(key)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Delete removes the object. Missing objects are not an error.
func (l *LocalStore) Delete(_ context.Context, key string) error {
	p, err := objectPath(key)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func objectPath(key string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(key))
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return clean, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
