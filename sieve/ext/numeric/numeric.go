// Package numeric implements the i;ascii-numeric comparator (RFC 4790).
package numeric

import (
	"strconv"

	"github.com/migadu/sieve/sieve/extension"
)

const Name = "comparator-i;ascii-numeric"

type def struct{}

func New() extension.Def { return def{} }

func (def) Name() string { return Name }

func (def) Objects() []extension.ObjectSet {
	return []extension.ObjectSet{extension.Single(extension.ClassComparator, Comparator)}
}

// Comparator compares the leading digits of strings as numbers. A string
// without leading digits counts as positive infinity.
var Comparator extension.Comparator = numeric{}

type numeric struct{}

func (numeric) Identifier() string { return "i;ascii-numeric" }

func (numeric) Equal(a, b string) bool {
	na, oka := parse(a)
	nb, okb := parse(b)
	if !oka || !okb {
		return oka == okb
	}
	return na == nb
}

func parse(s string) (string, bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return "", false
	}
	digits := s[:end]
	if n, err := strconv.ParseUint(digits, 10, 64); err == nil {
		return strconv.FormatUint(n, 10), true
	}
	for len(digits) > 1 && digits[0] == '0' {
		digits = digits[1:]
	}
	return digits, true
}
