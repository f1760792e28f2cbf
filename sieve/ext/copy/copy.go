// Package copy implements the :copy side effect (RFC 3894).
package copy

import (
	"fmt"
	"io"

	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/validator"
)

const Name = "copy"

type def struct{}

func New() extension.Def { return def{} }

func (def) Name() string { return Name }

func (def) Objects() []extension.ObjectSet {
	return []extension.ObjectSet{extension.Single(extension.ClassSideEffect, object{})}
}

func (def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	tag := &core.SideEffectTag{TagSpec: validator.TagSpec{Identifier: "copy"}, Object: object{}}
	v.RegisterTag(ext, "fileinto", tag)
	v.RegisterTag(ext, "redirect", tag)
	return nil
}

type object struct{}

func (object) Identifier() string { return Name }

func (object) GenerateEffect(*generator.Generator, *ast.Argument) error { return nil }

func (object) ReadEffect(*interpreter.Runtime, *binary.OperandReader) (result.SideEffect, error) {
	return Effect{}, nil
}

// Effect leaves the implicit keep in place.
type Effect struct{}

func (Effect) Name() string                { return Name }
func (Effect) PreservesImplicitKeep() bool { return true }

func (Effect) PrintEffect(w io.Writer) {
	fmt.Fprintln(w, "        + preserve implicit keep")
}
