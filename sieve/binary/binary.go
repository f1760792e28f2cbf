// Package binary implements the compiled script container: its codec,
// load-time verification, freshness checks and disassembly.
package binary

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/script"
)

const (
	Magic        = "SVBC"
	VersionMajor = 1
	VersionMinor = 0

	// MaxExtensions is the size of the per-binary extension table.
	MaxExtensions = 256
)

var (
	ErrCorrupt  = errors.New("corrupt binary")
	ErrNotFound = consts.ErrBinaryNotFound
)

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Block is the code of one script.
type Block struct {
	Name        string
	Location    string
	Fingerprint []byte
	Code        []byte
}

// Binary is a compiled script with its included scripts. Block 0 is the
// main script. Entry 0 of the extension table is always the core.
type Binary struct {
	Extensions []*extension.Extension
	Blocks     []*Block

	reg *extension.Registry
}

// New creates an empty binary for the given registry.
func New(reg *extension.Registry) *Binary {
	b := &Binary{reg: reg}
	if core, ok := reg.ByID(0); ok {
		b.Extensions = append(b.Extensions, core)
	}
	return b
}

// Registry returns the registry the binary was built or loaded with.
func (b *Binary) Registry() *extension.Registry {
	return b.reg
}

// ExtensionIndex returns the local index of ext, assigning one on first use.
func (b *Binary) ExtensionIndex(ext *extension.Extension) (byte, error) {
	for i, e := range b.Extensions {
		if e == ext {
			return byte(i), nil
		}
	}
	if len(b.Extensions) >= MaxExtensions {
		return 0, fmt.Errorf("too many extensions in binary")
	}
	b.Extensions = append(b.Extensions, ext)
	return byte(len(b.Extensions) - 1), nil
}

// Extension resolves a local extension index.
func (b *Binary) Extension(idx byte) (*extension.Extension, bool) {
	if int(idx) >= len(b.Extensions) {
		return nil, false
	}
	return b.Extensions[idx], true
}

// AddBlock appends a block and returns its index.
func (b *Binary) AddBlock(name, location string, fingerprint []byte) (int, *Block) {
	blk := &Block{Name: name, Location: location, Fingerprint: fingerprint}
	b.Blocks = append(b.Blocks, blk)
	return len(b.Blocks) - 1, blk
}

// FindBlock returns the index of the block compiled from location.
func (b *Binary) FindBlock(location string) (int, bool) {
	for i, blk := range b.Blocks {
		if blk.Location == location {
			return i, true
		}
	}
	return 0, false
}

// Block returns the block with the given index.
func (b *Binary) Block(idx int) (*Block, bool) {
	if idx < 0 || idx >= len(b.Blocks) {
		return nil, false
	}
	return b.Blocks[idx], true
}

// Script returns the name of the main script.
func (b *Binary) Script() string {
	if len(b.Blocks) == 0 {
		return ""
	}
	return b.Blocks[0].Name
}

// UsesExtension reports whether ext appears in the extension table.
func (b *Binary) UsesExtension(name string) bool {
	for _, e := range b.Extensions {
		if e.Name == name {
			return true
		}
	}
	return false
}

// UpToDate reports whether every block still matches its source. Included
// scripts are looked up through src.Resolver; without one a binary with
// included scripts is never up to date.
func (b *Binary) UpToDate(src script.Script) bool {
	return b.UpToDateContext(context.Background(), src)
}

func (b *Binary) UpToDateContext(ctx context.Context, src script.Script) bool {
	if len(b.Blocks) == 0 {
		return false
	}
	main := b.Blocks[0]
	if !main.matches(src.Location, src.Fingerprint()) {
		return false
	}
	for _, blk := range b.Blocks[1:] {
		if len(blk.Fingerprint) == 0 || src.Resolver == nil {
			return false
		}
		cur, err := src.Resolver.Resolve(ctx, blk.Location)
		if err != nil {
			return false
		}
		if !blk.matches(cur.Location, cur.Fingerprint()) {
			return false
		}
	}
	return true
}

func (blk *Block) matches(location string, fingerprint []byte) bool {
	return len(blk.Fingerprint) > 0 && blk.Location == location && bytes.Equal(blk.Fingerprint, fingerprint)
}
