package script

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/migadu/sieve/consts"
)

// FileExt is the extension of script files.
const FileExt = ".sieve"

// Storage holds the scripts of one user, or the global scripts.
type Storage interface {
	Get(ctx context.Context, name string) (*Script, error)
	List(ctx context.Context) ([]string, error)
	Active(ctx context.Context) (*Script, error)
	Save(ctx context.Context, name string, src []byte) error
	Activate(ctx context.Context, name string) error
}

// FileStorage keeps scripts as <name>.sieve files in a directory. The
// active script is selected by a symlink pointing at one of them, or by a
// regular file containing the name of the active script.
type FileStorage struct {
	Dir        string
	ActivePath string
	MaxSize    int64
}

// NewFileStorage creates a storage rooted at dir. activeName is resolved
// relative to dir when it is not absolute; empty means no active script.
func NewFileStorage(dir, activeName string) *FileStorage {
	activePath := activeName
	if activeName != "" && !filepath.IsAbs(activeName) {
		activePath = filepath.Join(dir, activeName)
	}
	return &FileStorage{Dir: dir, ActivePath: activePath}
}

func (s *FileStorage) path(name string) string {
	return filepath.Join(s.Dir, name+FileExt)
}

// isActiveLink reports whether path is the active script link itself.
func (s *FileStorage) isActiveLink(path string) bool {
	return s.ActivePath != "" && filepath.Clean(path) == filepath.Clean(s.ActivePath)
}

// checkName validates name and rejects the name the active link occupies.
func (s *FileStorage) checkName(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if s.isActiveLink(s.path(name)) {
		return fmt.Errorf("%w: %q is reserved for the active script link", consts.ErrInvalidScriptName, name)
	}
	return nil
}

func (s *FileStorage) readFile(name, path string) (*Script, error) {
	if s.MaxSize > 0 {
		if st, err := os.Stat(path); err == nil && st.Size() > s.MaxSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", consts.ErrScriptTooLarge, name, st.Size())
		}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", consts.ErrScriptNotFound, name)
		}
		return nil, fmt.Errorf("failed to read script %s: %w", name, err)
	}
	return &Script{Name: name, Location: "file:" + path, Source: src, Resolver: s}, nil
}

func (s *FileStorage) Get(ctx context.Context, name string) (*Script, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	return s.readFile(name, s.path(name))
}

// Resolve reads the script at a "file:" location.
func (s *FileStorage) Resolve(ctx context.Context, location string) (*Script, error) {
	path, ok := strings.CutPrefix(location, "file:")
	if !ok {
		return nil, fmt.Errorf("%w: not a file location: %s", consts.ErrScriptNotFound, location)
	}
	name := strings.TrimSuffix(filepath.Base(path), FileExt)
	return s.readFile(name, path)
}

func (s *FileStorage) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExt) || s.isActiveLink(filepath.Join(s.Dir, e.Name())) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), FileExt)
		if ValidateName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ActiveName returns the name of the active script, or "" when none is active.
func (s *FileStorage) ActiveName() (string, error) {
	if s.ActivePath == "" {
		return "", nil
	}
	st, err := os.Lstat(s.ActivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if st.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(s.ActivePath)
		if err != nil {
			return "", err
		}
		return strings.TrimSuffix(filepath.Base(target), FileExt), nil
	}
	data, err := os.ReadFile(s.ActivePath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileStorage) Active(ctx context.Context) (*Script, error) {
	name, err := s.ActiveName()
	if err != nil {
		return nil, fmt.Errorf("failed to read active script link: %w", err)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no active script", consts.ErrScriptNotFound)
	}
	return s.Get(ctx, name)
}

// Save writes the script atomically through a temporary file.
func (s *FileStorage) Save(ctx context.Context, name string, src []byte) error {
	if err := s.checkName(name); err != nil {
		return err
	}
	if s.MaxSize > 0 && int64(len(src)) > s.MaxSize {
		return fmt.Errorf("%w: %d bytes", consts.ErrScriptTooLarge, len(src))
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create script directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(src); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}
	return os.Rename(tmp.Name(), s.path(name))
}

// Activate points the active link at the named script.
func (s *FileStorage) Activate(ctx context.Context, name string) error {
	if s.ActivePath == "" {
		return fmt.Errorf("no active script path configured")
	}
	if _, err := s.Get(ctx, name); err != nil {
		return err
	}
	tmp := s.ActivePath + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(s.path(name), tmp); err != nil {
		return fmt.Errorf("failed to create active link: %w", err)
	}
	return os.Rename(tmp, s.ActivePath)
}
