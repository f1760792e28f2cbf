package core

import (
	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/validator"
)

var commands = []validator.Command{
	&requireCommand{validator.CommandSpec{Identifier: "require", Positional: []ast.ArgKind{ast.StringList}}},
	&ifCommand{validator.CommandSpec{Identifier: "if", SubTests: validator.OneTest, Block: true}},
	&ifCommand{validator.CommandSpec{Identifier: "elsif", SubTests: validator.OneTest, Block: true}},
	&elseCommand{validator.CommandSpec{Identifier: "else", Block: true}},
	&simpleCommand{validator.CommandSpec{Identifier: "stop"}, opStop},
	&keepCommand{validator.CommandSpec{Identifier: "keep"}},
	&simpleCommand{validator.CommandSpec{Identifier: "discard"}, opDiscard},
	&redirectCommand{validator.CommandSpec{Identifier: "redirect", Positional: []ast.ArgKind{ast.String}}},
}

type requireCommand struct{ validator.CommandSpec }

func (c *requireCommand) Validate(v *validator.Validator, n *ast.Node) bool {
	if prev := v.PreviousCommand(); v.Depth() > 0 || (prev != nil && prev.Identifier != "require") {
		v.Errorf(n.Pos, "require commands can only be placed at top level at the beginning of the file")
		return false
	}
	ok := true
	for _, name := range n.Positional[0].Strings() {
		if _, loaded := v.Require(name, n.Positional[0].Pos); !loaded {
			ok = false
		}
	}
	return ok
}

func (c *requireCommand) Generate(*generator.Generator, *ast.Node) error { return nil }

type ifChain struct {
	exits []int
}

type ifCommand struct{ validator.CommandSpec }

func (c *ifCommand) Validate(v *validator.Validator, n *ast.Node) bool {
	if n.Identifier == "elsif" {
		return followsIf(v, n)
	}
	return true
}

func followsIf(v *validator.Validator, n *ast.Node) bool {
	prev := v.PreviousCommand()
	if prev == nil || (prev.Identifier != "if" && prev.Identifier != "elsif") {
		v.Errorf(n.Pos, "the %s command must follow an if or elsif command", n.Identifier)
		return false
	}
	return true
}

func (c *ifCommand) Generate(g *generator.Generator, n *ast.Node) error {
	falses, err := g.GenerateCond(n.Tests[0], false)
	if err != nil {
		return err
	}
	if err := g.GenerateCommands(n.Block); err != nil {
		return err
	}
	var exits []int
	if chain, ok := n.Data.(*ifChain); ok && n.Identifier == "elsif" {
		exits = chain.exits
	}
	if next := g.Next(); next != nil && (next.Identifier == "elsif" || next.Identifier == "else") {
		at, err := g.EmitJump(generator.OpJmp)
		if err != nil {
			return err
		}
		next.Data = &ifChain{exits: append(exits, at)}
		g.PatchHere(falses)
		return nil
	}
	g.PatchHere(falses)
	g.PatchHere(exits)
	return nil
}

type elseCommand struct{ validator.CommandSpec }

func (c *elseCommand) Validate(v *validator.Validator, n *ast.Node) bool {
	return followsIf(v, n)
}

func (c *elseCommand) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.GenerateCommands(n.Block); err != nil {
		return err
	}
	if chain, ok := n.Data.(*ifChain); ok {
		g.PatchHere(chain.exits)
	}
	return nil
}

type simpleCommand struct {
	validator.CommandSpec
	op byte
}

func (c *simpleCommand) Generate(g *generator.Generator, n *ast.Node) error {
	return g.EmitOp(n.Ext, c.op)
}

type keepCommand struct{ validator.CommandSpec }

func (c *keepCommand) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, opKeep); err != nil {
		return err
	}
	return EmitSideEffects(g, n)
}

type redirectCommand struct{ validator.CommandSpec }

func (c *redirectCommand) Validate(v *validator.Validator, n *ast.Node) bool {
	arg := n.Positional[0]
	if _, err := helpers.ParseAddress(arg.Str); err != nil {
		v.Errorf(arg.Pos, "specified redirect address '%s' is invalid", helpers.StrSanitize(arg.Str, 80))
		return false
	}
	return true
}

func (c *redirectCommand) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, opRedirect); err != nil {
		return err
	}
	if err := EmitSideEffects(g, n); err != nil {
		return err
	}
	g.Emitter().String(n.Positional[0].Str)
	return nil
}

var operations = []extension.Operation{
	opJmp:       &interpreter.Op{Name: "JMP", Exec: execJump(nil)},
	opJmpTrue:   &interpreter.Op{Name: "JMPTRUE", Exec: execJump(ptr(true))},
	opJmpFalse:  &interpreter.Op{Name: "JMPFALSE", Exec: execJump(ptr(false))},
	opStop:      &interpreter.Op{Name: "STOP", Exec: execStop},
	opKeep:      &interpreter.Op{Name: "KEEP", Exec: execKeep},
	opDiscard:   &interpreter.Op{Name: "DISCARD", Exec: execDiscard},
	opRedirect:  &interpreter.Op{Name: "REDIRECT", Exec: execRedirect},
	opAddress:   &interpreter.Op{Name: "ADDRESS", Exec: execAddress},
	opHeader:    &interpreter.Op{Name: "HEADER", Exec: execHeader},
	opExists:    &interpreter.Op{Name: "EXISTS", Exec: execExists},
	opSizeOver:  &interpreter.Op{Name: "SIZE-OVER", Exec: execSize(true)},
	opSizeUnder: &interpreter.Op{Name: "SIZE-UNDER", Exec: execSize(false)},
}

func ptr[T any](v T) *T { return &v }

func execJump(cond *bool) func(*interpreter.Runtime, *binary.OperandReader) error {
	return func(rt *interpreter.Runtime, r *binary.OperandReader) error {
		addr, err := r.Address()
		if err != nil {
			return err
		}
		if cond != nil {
			v, err := rt.Pop()
			if err != nil {
				return err
			}
			if v != *cond {
				return nil
			}
		}
		return rt.Jump(addr)
	}
}

func execStop(rt *interpreter.Runtime, _ *binary.OperandReader) error {
	rt.Stop()
	return nil
}

func execKeep(rt *interpreter.Runtime, r *binary.OperandReader) error {
	effects, err := ReadSideEffects(rt, r)
	if err != nil {
		return err
	}
	return AddStore(rt, &StoreAction{Mailbox: rt.Env().Mailbox()}, effects, false)
}

func execDiscard(rt *interpreter.Runtime, _ *binary.OperandReader) error {
	return rt.AddAction(DiscardAction{}, nil, false)
}

func execRedirect(rt *interpreter.Runtime, r *binary.OperandReader) error {
	effects, err := ReadSideEffects(rt, r)
	if err != nil {
		return err
	}
	addr, err := r.String()
	if err != nil {
		return err
	}
	norm, perr := helpers.ParseAddress(addr)
	if perr != nil {
		rt.Errorf("specified redirect address '%s' is invalid", helpers.StrSanitize(addr, 80))
		return result.ErrRuntime
	}
	return rt.AddAction(&RedirectAction{Address: norm}, effects, false)
}
