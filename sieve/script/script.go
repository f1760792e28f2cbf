// Package script identifies Sieve scripts and provides their sources.
package script

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/migadu/sieve/consts"
	"lukechampine.com/blake3"
)

// MaxNameLen is the longest valid script name, in characters.
const MaxNameLen = 255

// Script is one script source together with its identity.
type Script struct {
	// Name is the script name used in diagnostics, e.g. "main".
	Name string
	// Location uniquely identifies the source, e.g. "file:/home/u/sieve/main.sieve".
	Location string
	Source   []byte
	// Resolver looks up scripts by location. It is needed to check the
	// freshness of binaries with included scripts.
	Resolver Resolver
}

// Resolver returns the current source of the script at a location.
type Resolver interface {
	Resolve(ctx context.Context, location string) (*Script, error)
}

// Fingerprint returns the blake3 hash used to detect source changes.
func Fingerprint(src []byte) []byte {
	sum := blake3.Sum256(src)
	return sum[:]
}

func (s *Script) Fingerprint() []byte {
	return Fingerprint(s.Source)
}

// New creates a script with an in-memory location.
func New(name string, src []byte) *Script {
	return &Script{Name: name, Location: "mem:" + name, Source: src}
}

// ValidateName checks a script name. Names must be valid UTF-8, non-empty,
// at most MaxNameLen characters and free of control characters, slashes
// and line or paragraph separators.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", consts.ErrInvalidScriptName)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", consts.ErrInvalidScriptName)
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return fmt.Errorf("%w: longer than %d characters", consts.ErrInvalidScriptName, MaxNameLen)
	}
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
			return fmt.Errorf("%w: contains control character", consts.ErrInvalidScriptName)
		case r >= 0x80 && r <= 0x9f:
			return fmt.Errorf("%w: contains control character", consts.ErrInvalidScriptName)
		case r == 0xff:
			return fmt.Errorf("%w: contains invalid character", consts.ErrInvalidScriptName)
		case r == '\u2028', r == '\u2029':
			return fmt.Errorf("%w: contains line separator", consts.ErrInvalidScriptName)
		case r == '/':
			return fmt.Errorf("%w: contains '/'", consts.ErrInvalidScriptName)
		}
	}
	return nil
}

// Locations dispatches Resolve by location scheme ("file:", "db:", ...).
type Locations map[string]Resolver

func (l Locations) Resolve(ctx context.Context, location string) (*Script, error) {
	scheme, _, ok := strings.Cut(location, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed location %q", consts.ErrScriptNotFound, location)
	}
	r, ok := l[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no resolver for %q", consts.ErrScriptNotFound, location)
	}
	return r.Resolve(ctx, location)
}
