package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/script"
)

// BinaryExt is the file extension of compiled scripts.
const BinaryExt = ".svbin"

// LoadConfig reads path over the defaults. An empty path keeps the
// defaults.
func LoadConfig(path string) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if path == "" {
		return &cfg, nil
	}
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}
	return &cfg, nil
}

// BinaryPath returns where the binary of the script at path is written by
// default.
func BinaryPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + BinaryExt
}

// CompileFile compiles the script at path. Includes of personal scripts
// resolve against the script's directory. A path ending in BinaryExt is
// loaded instead of compiled.
func CompileFile(ctx context.Context, eng *engine.Engine, path string, eh *diag.Handler) (*binary.Binary, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(abs) == BinaryExt {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		return eng.Load(data)
	}

	personal := script.NewFileStorage(filepath.Dir(abs), "")
	s, err := personal.Resolve(ctx, "file:"+abs)
	if err != nil {
		return nil, err
	}
	return eng.WithPersonal(personal).Compile(ctx, s, eh)
}

// WriteBinary marshals bin into path through a temporary file.
func WriteBinary(path string, bin *binary.Binary) error {
	data, err := bin.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".svbin-*")
	if err != nil {
		return fmt.Errorf("failed to create binary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write binary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write binary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write binary file: %w", err)
	}
	return nil
}
