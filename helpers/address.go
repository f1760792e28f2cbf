package helpers

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// SplitEmailAddress splits an address into its local part and domain. The
// split happens at the last '@'; an address without one has an empty domain.
func SplitEmailAddress(email string) (string, string) {
	idx := strings.LastIndexByte(email, '@')
	if idx < 0 {
		return email, ""
	}
	return email[:idx], email[idx+1:]
}

// NormalizeAddress lowercases the domain of an address and strips the angle
// brackets of an envelope path. The local part is kept as is.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	local, domain := SplitEmailAddress(addr)
	if domain == "" {
		return local
	}
	return local + "@" + strings.ToLower(domain)
}

// AddressEqual compares two addresses, case-insensitively for the domain.
func AddressEqual(a, b string) bool {
	la, da := SplitEmailAddress(NormalizeAddress(a))
	lb, db := SplitEmailAddress(NormalizeAddress(b))
	return la == lb && da == db
}

// ParseAddress parses a single RFC 5322 mailbox ("Name <user@host>" or a
// bare address) and returns the address part.
func ParseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty address")
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Address, nil
	}
	// Bare local@domain forms mail.ParseAddress refuses, e.g. quoted local parts.
	local, domain := SplitEmailAddress(s)
	if local == "" || domain == "" || strings.ContainsAny(s, " \t<>,;") {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return s, nil
}

// ParseAddressList parses a header value holding one or more addresses.
// Unparseable entries are skipped.
func ParseAddressList(s string) []string {
	list, err := mail.ParseAddressList(s)
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if a, err := ParseAddress(part); err == nil {
			out = append(out, a)
		}
	}
	return out
}
