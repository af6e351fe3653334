package persistence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// FileState keeps session state as one file per key under a directory. It
// satisfies the same LoadState/SaveState/ClearState contract as Store.
type FileState struct {
	dir string
}

// NewFileState creates dir if needed.
func NewFileState(dir string) (*FileState, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileState{dir: dir}, nil
}

func (f *FileState) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+".state")
}

func (f *FileState) LoadState(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load state %s: %w", key, err)
	}
	return data, true, nil
}

// SaveState writes through a temp file and rename so readers never see a
// partial value.
func (f *FileState) SaveState(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save state %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save state %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

func (f *FileState) ClearState(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear state %s: %w", key, err)
	}
	return nil
}
