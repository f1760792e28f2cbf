package server

import (
	"fmt"
	"regexp"
	"strings"
)

// RFC 5322 compliant email validation
var (
	localPartRe  = regexp.MustCompile(`^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`)
	domainNameRe = regexp.MustCompile(`^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)
)

// DefaultDetailSeparator separates the user from the detail in a local part.
const DefaultDetailSeparator = "+"

// Address is a delivery address split into user, detail and domain.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
	user        string
	detail      string
	hasDetail   bool
}

// NewAddress parses a recipient or sender address with the default
// detail separator.
func NewAddress(address string) (Address, error) {
	return ParseAddress(address, DefaultDetailSeparator)
}

// ParseAddress validates address and splits its local part at the first
// occurrence of any character in sep. The address is lowercased.
func ParseAddress(address, sep string) (Address, error) {
	input := strings.ToLower(strings.TrimSpace(address))
	input = strings.TrimSuffix(strings.TrimPrefix(input, "<"), ">")

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	idx := strings.LastIndexByte(input, '@')
	if idx < 0 {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}
	localPart, domain := input[:idx], input[idx+1:]

	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	a := Address{fullAddress: input, localPart: localPart, domain: domain, user: localPart}
	if sep != "" {
		if i := strings.IndexAny(localPart, sep); i != -1 {
			a.user = localPart[:i]
			a.detail = localPart[i+1:]
			a.hasDetail = true
		}
	}
	return a, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

// Detail returns the part after the separator; HasDetail tells an empty
// detail from a missing one.
func (a Address) Detail() string {
	return a.detail
}

func (a Address) HasDetail() bool {
	return a.hasDetail
}

// BaseLocalPart returns the local part without the detail.
func (a Address) BaseLocalPart() string {
	return a.user
}

// BaseAddress returns the address without the detail part (e.g., "user@domain.com" from "user+detail@domain.com")
func (a Address) BaseAddress() string {
	return a.user + "@" + a.domain
}
