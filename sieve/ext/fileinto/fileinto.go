// Package fileinto implements the fileinto extension (RFC 5228 section 4.1).
package fileinto

import (
	"unicode/utf8"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/validator"
)

const Name = "fileinto"

type def struct{}

func New() extension.Def { return def{} }

func (def) Name() string { return Name }

func (def) Operations() []extension.Operation {
	return []extension.Operation{&interpreter.Op{Name: "FILEINTO", Exec: execFileinto}}
}

func (def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	v.RegisterCommand(ext, &command{validator.CommandSpec{Identifier: "fileinto", Positional: []ast.ArgKind{ast.String}}})
	return nil
}

type command struct{ validator.CommandSpec }

func (c *command) Validate(v *validator.Validator, n *ast.Node) bool {
	arg := n.Positional[0]
	if arg.Str == "" || !utf8.ValidString(arg.Str) {
		v.Errorf(arg.Pos, "invalid folder name '%s' specified for fileinto command", helpers.StrSanitize(arg.Str, 80))
		return false
	}
	return true
}

func (c *command) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, 0); err != nil {
		return err
	}
	if err := core.EmitSideEffects(g, n); err != nil {
		return err
	}
	g.Emitter().String(n.Positional[0].Str)
	return nil
}

func execFileinto(rt *interpreter.Runtime, r *binary.OperandReader) error {
	effects, err := core.ReadSideEffects(rt, r)
	if err != nil {
		return err
	}
	mailbox, err := r.String()
	if err != nil {
		return err
	}
	return core.AddStore(rt, &core.StoreAction{Mailbox: mailbox}, effects, false)
}
