package core

import (
	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/validator"
)

var tests = []validator.Command{
	&constTest{validator.CommandSpec{Identifier: "true", Test: true}, true},
	&constTest{validator.CommandSpec{Identifier: "false", Test: true}, false},
	&notTest{validator.CommandSpec{Identifier: "not", Test: true, SubTests: validator.OneTest}},
	&listTest{validator.CommandSpec{Identifier: "allof", Test: true, SubTests: validator.TestList}, true},
	&listTest{validator.CommandSpec{Identifier: "anyof", Test: true, SubTests: validator.TestList}, false},
	&matchTest{validator.CommandSpec{
		Identifier: "header", Test: true,
		Positional: []ast.ArgKind{ast.StringList, ast.StringList},
		ObjectTags: MatchClasses,
	}, opHeader, false},
	&matchTest{validator.CommandSpec{
		Identifier: "address", Test: true,
		Positional: []ast.ArgKind{ast.StringList, ast.StringList},
		ObjectTags: AddressClasses,
	}, opAddress, true},
	&existsTest{validator.CommandSpec{Identifier: "exists", Test: true, Positional: []ast.ArgKind{ast.StringList}}},
	&sizeTest{validator.CommandSpec{Identifier: "size", Test: true, Positional: []ast.ArgKind{}}},
}

type constTest struct {
	validator.CommandSpec
	value bool
}

func (t *constTest) GenerateCond(g *generator.Generator, _ *ast.Node, jumpOn bool) ([]int, error) {
	if t.value != jumpOn {
		return nil, nil
	}
	at, err := g.EmitJump(generator.OpJmp)
	if err != nil {
		return nil, err
	}
	return []int{at}, nil
}

type notTest struct{ validator.CommandSpec }

func (t *notTest) GenerateCond(g *generator.Generator, n *ast.Node, jumpOn bool) ([]int, error) {
	return g.GenerateCond(n.Tests[0], !jumpOn)
}

// listTest is allof (all set) or anyof.
type listTest struct {
	validator.CommandSpec
	all bool
}

// GenerateCond short-circuits: for allof a false subtest decides the
// outcome, for anyof a true one does.
func (t *listTest) GenerateCond(g *generator.Generator, n *ast.Node, jumpOn bool) ([]int, error) {
	decisive := !t.all
	if jumpOn == decisive {
		var out []int
		for _, sub := range n.Tests {
			l, err := g.GenerateCond(sub, decisive)
			if err != nil {
				return nil, err
			}
			out = append(out, l...)
		}
		return out, nil
	}

	var skip []int
	last := len(n.Tests) - 1
	for _, sub := range n.Tests[:last] {
		l, err := g.GenerateCond(sub, decisive)
		if err != nil {
			return nil, err
		}
		skip = append(skip, l...)
	}
	out, err := g.GenerateCond(n.Tests[last], jumpOn)
	if err != nil {
		return nil, err
	}
	g.PatchHere(skip)
	return out, nil
}

// matchTest is header or address.
type matchTest struct {
	validator.CommandSpec
	op       byte
	withPart bool
}

func (t *matchTest) Validate(v *validator.Validator, n *ast.Node) bool {
	return ValidateMatch(v, n)
}

func (t *matchTest) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, t.op); err != nil {
		return err
	}
	if err := EmitMatchOperands(g, n, t.withPart); err != nil {
		return err
	}
	g.EmitStrings(n.Positional[0])
	g.EmitStrings(n.Positional[1])
	return nil
}

type existsTest struct{ validator.CommandSpec }

func (t *existsTest) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, opExists); err != nil {
		return err
	}
	g.EmitStrings(n.Positional[0])
	return nil
}

type sizeTest struct{ validator.CommandSpec }

func (t *sizeTest) CheckArguments(v *validator.Validator, n *ast.Node) bool {
	if n.FindTag("over") == nil && n.FindTag("under") == nil {
		v.Errorf(n.Pos, "the size test requires either the :under or the :over tag")
		return false
	}
	return true
}

func (t *sizeTest) Generate(g *generator.Generator, n *ast.Node) error {
	op, arg := opSizeOver, n.FindTag("over")
	if arg == nil {
		op, arg = opSizeUnder, n.FindTag("under")
	}
	if err := g.EmitOp(n.Ext, op); err != nil {
		return err
	}
	g.Emitter().Number(arg.Params[0].Num)
	return nil
}

func execHeader(rt *interpreter.Runtime, r *binary.OperandReader) error {
	m, err := ReadMatchOperands(rt, r, false)
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
	var values []string
	for _, name := range names {
		values = append(values, rt.Message().HeaderValues(name)...)
	}
	outcome := m.Match(values, keys)
	rt.TraceTest("header", outcome)
	return rt.Push(outcome)
}

func execAddress(rt *interpreter.Runtime, r *binary.OperandReader) error {
	m, err := ReadMatchOperands(rt, r, true)
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
		for _, value := range rt.Message().HeaderValues(name) {
			addrs = append(addrs, helpers.ParseAddressList(value)...)
		}
	}
	outcome := m.MatchAddresses(addrs, keys)
	rt.TraceTest("address", outcome)
	return rt.Push(outcome)
}

func execExists(rt *interpreter.Runtime, r *binary.OperandReader) error {
	names, err := r.Strings()
	if err != nil {
		return err
	}
	outcome := true
	for _, name := range names {
		if !rt.Message().HasHeader(name) {
			outcome = false
			break
		}
	}
	rt.TraceTest("exists", outcome)
	return rt.Push(outcome)
}

func execSize(over bool) func(*interpreter.Runtime, *binary.OperandReader) error {
	return func(rt *interpreter.Runtime, r *binary.OperandReader) error {
		limit, err := r.Number()
		if err != nil {
			return err
		}
		size := uint64(rt.Message().Size)
		outcome := size < limit
		if over {
			outcome = size > limit
		}
		rt.TraceTest("size", outcome)
		return rt.Push(outcome)
	}
}
