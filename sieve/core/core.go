// Package core implements the base language: control commands, the
// keep, discard and redirect actions, the standard tests, comparators,
// match types and address parts.
package core

import (
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/validator"
)

// Name is the registry name of the core extension. It must be registered
// first so that it gets ID 0.
const Name = extension.HiddenPrefix + "core"

// Opcodes of the core extension. The first three are the generator's
// jump operations.
const (
	opJmp byte = iota
	opJmpTrue
	opJmpFalse
	opStop
	opKeep
	opDiscard
	opRedirect
	opAddress
	opHeader
	opExists
	opSizeOver
	opSizeUnder
)

type def struct{}

// New returns the core extension definition.
func New() extension.Def { return def{} }

func (def) Name() string { return Name }

func (def) Operations() []extension.Operation {
	return operations
}

func (def) Objects() []extension.ObjectSet {
	return []extension.ObjectSet{
		extension.Range(extension.ClassComparator, Octet, Casemap),
		extension.Range(extension.ClassMatchType, Is, Contains, Matches),
		extension.Range(extension.ClassAddressPart, All, Local, Domain),
	}
}

func (def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	for _, cmd := range commands {
		v.RegisterCommand(ext, cmd)
	}
	for _, t := range tests {
		v.RegisterCommand(ext, t)
	}
	RegisterMatchTags(v, "header")
	RegisterMatchTags(v, "address")
	v.RegisterTag(ext, "size", &validator.TagSpec{Identifier: "over", HasParam: true, Param: ast.Number, Group: "size"})
	v.RegisterTag(ext, "size", &validator.TagSpec{Identifier: "under", HasParam: true, Param: ast.Number, Group: "size"})
	return nil
}
