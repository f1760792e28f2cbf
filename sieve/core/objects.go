package core

import (
	"strings"
	"unicode/utf8"

	"github.com/migadu/sieve/sieve/extension"
)

// Comparators.

type octetComparator struct{}

func (octetComparator) Identifier() string     { return "i;octet" }
func (octetComparator) Equal(a, b string) bool { return a == b }
func (octetComparator) Fold(s string) string   { return s }

type casemapComparator struct{}

func (casemapComparator) Identifier() string     { return "i;ascii-casemap" }
func (casemapComparator) Equal(a, b string) bool { return asciiLower(a) == asciiLower(b) }
func (casemapComparator) Fold(s string) string   { return asciiLower(s) }

func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

var (
	Octet    extension.SubstringComparator = octetComparator{}
	Casemap  extension.SubstringComparator = casemapComparator{}
	Is       extension.MatchType           = isMatch{}
	Contains extension.MatchType           = containsMatch{}
	Matches  extension.MatchType           = matchesMatch{}
	All      extension.AddressPart         = allPart{}
	Local    extension.AddressPart         = localPart{}
	Domain   extension.AddressPart         = domainPart{}
)

// Match types.

type isMatch struct{}

func (isMatch) Identifier() string   { return "is" }
func (isMatch) NeedsSubstring() bool { return false }
func (isMatch) Match(cmp extension.Comparator, value, key string) bool {
	return cmp.Equal(value, key)
}

type containsMatch struct{}

func (containsMatch) Identifier() string   { return "contains" }
func (containsMatch) NeedsSubstring() bool { return true }
func (containsMatch) Match(cmp extension.Comparator, value, key string) bool {
	sc, ok := cmp.(extension.SubstringComparator)
	if !ok {
		return false
	}
	return strings.Contains(sc.Fold(value), sc.Fold(key))
}

type matchesMatch struct{}

func (matchesMatch) Identifier() string   { return "matches" }
func (matchesMatch) NeedsSubstring() bool { return true }
func (matchesMatch) Match(cmp extension.Comparator, value, key string) bool {
	sc, ok := cmp.(extension.SubstringComparator)
	if !ok {
		return false
	}
	return Glob(sc.Fold(key), sc.Fold(value))
}

// Glob matches value against a pattern where '*' matches any sequence, '?'
// one character and '\' escapes the next character.
func Glob(pattern, value string) bool {
	var starP, starV = -1, -1
	p, v := 0, 0
	for v < len(value) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starV = p, v
				p++
				continue
			case '?':
				_, size := utf8.DecodeRuneInString(value[v:])
				p++
				v += size
				continue
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == value[v] {
					p += 2
					v++
					continue
				}
			default:
				if pattern[p] == value[v] {
					p++
					v++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starV++
		p, v = starP+1, starV
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// Address parts.

type allPart struct{}

func (allPart) Identifier() string { return "all" }
func (allPart) Extract(local, domain string) (string, bool) {
	if domain == "" {
		return local, true
	}
	return local + "@" + domain, true
}

type localPart struct{}

func (localPart) Identifier() string { return "localpart" }
func (localPart) Extract(local, _ string) (string, bool) {
	return local, true
}

type domainPart struct{}

func (domainPart) Identifier() string { return "domain" }
func (domainPart) Extract(_, domain string) (string, bool) {
	return domain, domain != ""
}
