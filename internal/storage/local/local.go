// Package local stores blobs on a filesystem rooted at MEDIA_ROOT.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"image-classifier/internal/storage"

	"github.com/spf13/afero"
)

type Store struct {
	fs afero.Fs
}

var _ storage.BlobStore = (*Store)(nil)

// New roots the store at dir on the OS filesystem.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// NewWithFs wraps an existing afero filesystem, e.g. afero.NewMemMapFs in tests.
func NewWithFs(fsys afero.Fs) *Store {
	return &Store{fs: fsys}
}

func clean(p string) (string, error) {
	cleaned := path.Clean("/" + p)
	if cleaned == "/" || strings.Contains(p, "..") {
		return "", fmt.Errorf("invalid blob path %q", p)
	}
	return cleaned, nil
}

func (s *Store) Put(_ context.Context, p string, r io.Reader, _ int64, _ string) error {
	name, err := clean(p)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	tmp := name + ".part"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", p, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", p, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", p, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, p string) (io.ReadCloser, error) {
	name, err := clean(p)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	return f, nil
}

func (s *Store) Delete(_ context.Context, p string) error {
	name, err := clean(p)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	name, err := clean(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	if err := s.fs.RemoveAll(name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", prefix, err)
	}
	return nil
}
