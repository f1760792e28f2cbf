package binstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileExt is the extension of binary files.
const FileExt = ".svbin"

// File keeps binaries as files named by location hash below a directory.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create binary directory %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

func (f *File) Backend() string { return "file" }

func (f *File) path(location string) string {
	h := LocationHash(location)
	return filepath.Join(f.dir, h[:2], h+FileExt)
}

func (f *File) Get(_ context.Context, location string) (data []byte, err error) {
	start := time.Now()
	defer func() { observe(f.Backend(), "get", start, err) }()
	data, err = os.ReadFile(f.path(location))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	return data, nil
}

// Put writes through a temporary file so that readers never see a
// partial binary.
func (f *File) Put(_ context.Context, location string, data []byte) (err error) {
	start := time.Now()
	defer func() { observe(f.Backend(), "put", start, err) }()
	path := f.path(location)
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create binary directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write binary: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to write binary: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (f *File) Delete(_ context.Context, location string) error {
	err := os.Remove(f.path(location))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete binary: %w", err)
	}
	return nil
}
