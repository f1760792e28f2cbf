package engine

import (
	"fmt"

	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/ext/body"
	copyext "github.com/migadu/sieve/sieve/ext/copy"
	"github.com/migadu/sieve/sieve/ext/enotify"
	"github.com/migadu/sieve/sieve/ext/envelope"
	"github.com/migadu/sieve/sieve/ext/fileinto"
	"github.com/migadu/sieve/sieve/ext/imap4flags"
	"github.com/migadu/sieve/sieve/ext/include"
	"github.com/migadu/sieve/sieve/ext/numeric"
	"github.com/migadu/sieve/sieve/ext/reject"
	"github.com/migadu/sieve/sieve/ext/subaddress"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/mail"
)

type constructor func(settings mail.Settings) extension.Def

func plain(f func() extension.Def) constructor {
	return func(mail.Settings) extension.Def { return f() }
}

// Registration order fixes extension IDs, so new extensions are appended.
var available = []struct {
	name string
	new  constructor
}{
	{fileinto.Name, plain(fileinto.New)},
	{reject.Name, plain(reject.New)},
	{envelope.Name, plain(envelope.New)},
	{subaddress.Name, subaddress.New},
	{numeric.Name, plain(numeric.New)},
	{enotify.Name, enotify.New},
	{include.Name, include.New},
	{imap4flags.Name, plain(imap4flags.New)},
	{copyext.Name, plain(copyext.New)},
	{body.Name, plain(body.New)},
}

// SupportedExtensions lists every extension this build can provide.
func SupportedExtensions() []string {
	names := make([]string, len(available))
	for i, a := range available {
		names[i] = a.name
	}
	return names
}

// NewRegistry registers the core and the named extensions and freezes the
// registry. An empty names list enables every supported extension.
func NewRegistry(names []string, settings mail.Settings) (*extension.Registry, error) {
	enabled := make(map[string]bool, len(names))
	for _, n := range names {
		found := false
		for _, a := range available {
			if a.name == n {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unsupported sieve extension %q", n)
		}
		enabled[n] = true
	}

	reg := extension.NewRegistry()
	if _, err := reg.Register(core.New()); err != nil {
		return nil, fmt.Errorf("failed to register core: %w", err)
	}
	for _, a := range available {
		if len(names) > 0 && !enabled[a.name] {
			continue
		}
		if _, err := reg.Register(a.new(settings)); err != nil {
			return nil, fmt.Errorf("failed to register extension %s: %w", a.name, err)
		}
	}
	reg.Freeze()
	return reg, nil
}
