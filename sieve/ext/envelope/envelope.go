// Package envelope implements the envelope test (RFC 5228 section 5.4).
package envelope

import (
	"strings"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/validator"
)

const Name = "envelope"

type def struct{}

func New() extension.Def { return def{} }

func (def) Name() string { return Name }

func (def) Operations() []extension.Operation {
	return []extension.Operation{&interpreter.Op{Name: "ENVELOPE", Exec: execEnvelope}}
}

func (def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	v.RegisterCommand(ext, &test{validator.CommandSpec{
		Identifier: "envelope",
		Test:       true,
		Positional: []ast.ArgKind{ast.StringList, ast.StringList},
		ObjectTags: core.AddressClasses,
	}})
	core.RegisterMatchTags(v, "envelope")
	return nil
}

var parts = map[string]func(msg *mail.MessageData) []string{
	"from": func(msg *mail.MessageData) []string { return []string{msg.ReturnPath} },
	"to":   func(msg *mail.MessageData) []string { return []string{msg.To} },
	"auth": func(msg *mail.MessageData) []string {
		if msg.AuthUser == "" {
			return nil
		}
		return []string{msg.AuthUser}
	},
}

type test struct{ validator.CommandSpec }

func (t *test) Validate(v *validator.Validator, n *ast.Node) bool {
	arg := n.Positional[0]
	for _, part := range arg.Strings() {
		if _, ok := parts[strings.ToLower(part)]; !ok {
			v.Errorf(arg.Pos, "specified envelope part '%s' is not supported by the envelope test", helpers.StrSanitize(part, 80))
			return false
		}
	}
	return core.ValidateMatch(v, n)
}

func (t *test) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, 0); err != nil {
		return err
	}
	if err := core.EmitMatchOperands(g, n, true); err != nil {
		return err
	}
	g.EmitStrings(n.Positional[0])
	g.EmitStrings(n.Positional[1])
	return nil
}

func execEnvelope(rt *interpreter.Runtime, r *binary.OperandReader) error {
	m, err := core.ReadMatchOperands(rt, r, true)
	if err != nil {
		return err
	}
	names, err := r.Strings()
	if err != nil {
		return err
	}
	keys, err := r.Strings()
	if err != nil {
		return err
	}
	var addrs []string
	for _, name := range names {
		if get, ok := parts[strings.ToLower(name)]; ok {
			for _, a := range get(rt.Message()) {
				addrs = append(addrs, helpers.NormalizeAddress(a))
			}
		}
	}
	outcome := m.MatchAddresses(addrs, keys)
	rt.TraceTest("envelope", outcome)
	return rt.Push(outcome)
}
