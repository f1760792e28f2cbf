// Package subaddress implements the :user and :detail address parts
// (RFC 5233).
package subaddress

import (
	"strings"

	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/mail"
)

const (
	Name = "subaddress"

	// SettingSeparator lists the characters that start the detail part.
	SettingSeparator = "sieve_subaddress_sep"
	DefaultSeparator = "+"
)

type def struct {
	user   *userPart
	detail *detailPart
}

// New returns the extension with the separator taken from settings.
func New(settings mail.Settings) extension.Def {
	sep := mail.SettingString(settings, SettingSeparator, DefaultSeparator)
	if sep == "" {
		sep = DefaultSeparator
	}
	return &def{user: &userPart{sep: sep}, detail: &detailPart{sep: sep}}
}

func (d *def) Name() string { return Name }

func (d *def) Objects() []extension.ObjectSet {
	return []extension.ObjectSet{extension.Range(extension.ClassAddressPart, d.user, d.detail)}
}

type userPart struct{ sep string }

func (p *userPart) Identifier() string { return "user" }

func (p *userPart) Extract(local, _ string) (string, bool) {
	if i := strings.IndexAny(local, p.sep); i >= 0 {
		return local[:i], true
	}
	return local, true
}

type detailPart struct{ sep string }

func (p *detailPart) Identifier() string { return "detail" }

// Extract yields nothing for addresses without a separator so that they
// never match, as opposed to an empty detail after a trailing separator.
func (p *detailPart) Extract(local, _ string) (string, bool) {
	i := strings.IndexAny(local, p.sep)
	if i < 0 {
		return "", false
	}
	return local[i+1:], true
}
