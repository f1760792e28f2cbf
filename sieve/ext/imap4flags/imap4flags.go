// Package imap4flags implements the imap4flags extension (RFC 5232).
package imap4flags

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/core"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/validator"
)

const (
	Name = "imap4flags"

	// EffectName is the side effect name of :flags.
	EffectName = "flags"
)

const (
	opSetFlag byte = iota
	opAddFlag
	opRemoveFlag
	opHasFlag
)

var systemFlags = []imap.Flag{
	imap.FlagSeen,
	imap.FlagAnswered,
	imap.FlagFlagged,
	imap.FlagDeleted,
	imap.FlagDraft,
}

type def struct{}

func New() extension.Def { return def{} }

func (def) Name() string { return Name }

func (def) Operations() []extension.Operation {
	return []extension.Operation{
		opSetFlag:    &interpreter.Op{Name: "SETFLAG", Exec: execFlags(opSetFlag)},
		opAddFlag:    &interpreter.Op{Name: "ADDFLAG", Exec: execFlags(opAddFlag)},
		opRemoveFlag: &interpreter.Op{Name: "REMOVEFLAG", Exec: execFlags(opRemoveFlag)},
		opHasFlag:    &interpreter.Op{Name: "HASFLAG", Exec: execHasFlag},
	}
}

func (def) Objects() []extension.ObjectSet {
	return []extension.ObjectSet{extension.Single(extension.ClassSideEffect, flagsObject{})}
}

func (def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	for _, c := range []struct {
		id string
		op byte
	}{{"setflag", opSetFlag}, {"addflag", opAddFlag}, {"removeflag", opRemoveFlag}} {
		v.RegisterCommand(ext, &flagCommand{validator.CommandSpec{Identifier: c.id, Positional: []ast.ArgKind{ast.StringList}}, c.op})
	}
	v.RegisterCommand(ext, &hasFlagTest{validator.CommandSpec{
		Identifier: "hasflag",
		Test:       true,
		Positional: []ast.ArgKind{ast.StringList},
		ObjectTags: core.MatchClasses,
	}})
	core.RegisterMatchTags(v, "hasflag")

	tag := &core.SideEffectTag{
		TagSpec: validator.TagSpec{Identifier: "flags", HasParam: true, Param: ast.StringList},
		Object:  flagsObject{},
	}
	v.RegisterTag(ext, "keep", tag)
	v.RegisterTag(ext, "fileinto", tag)
	return nil
}

// Normalize splits space separated flag lists, fixes the case of system
// flags and removes duplicates. Invalid flags are returned separately.
func Normalize(lists []string) (flags []imap.Flag, invalid []string) {
	var raw []imap.Flag
	for _, list := range lists {
		for _, f := range strings.Fields(list) {
			flag, ok := normalizeFlag(f)
			if !ok {
				invalid = append(invalid, f)
				continue
			}
			raw = append(raw, flag)
		}
	}
	return helpers.SanitizeFlags(raw), invalid
}

func normalizeFlag(f string) (imap.Flag, bool) {
	if strings.HasPrefix(f, "\\") {
		for _, sf := range systemFlags {
			if strings.EqualFold(f, string(sf)) {
				return sf, true
			}
		}
		return "", false
	}
	for i := 0; i < len(f); i++ {
		switch c := f[i]; {
		case c <= ' ', c >= 0x7f:
			return "", false
		case strings.IndexByte(`(){%*"]\`, c) >= 0:
			return "", false
		}
	}
	return imap.Flag(f), true
}

type flagCommand struct {
	validator.CommandSpec
	op byte
}

func (c *flagCommand) Validate(v *validator.Validator, n *ast.Node) bool {
	arg := n.Positional[0]
	if _, invalid := Normalize(arg.Strings()); len(invalid) > 0 {
		v.Warningf(arg.Pos, "IMAP flag '%s' specified for the %s command is invalid and will be ignored",
			helpers.StrSanitize(invalid[0], 80), n.Identifier)
	}
	return true
}

func (c *flagCommand) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, c.op); err != nil {
		return err
	}
	g.EmitStrings(n.Positional[0])
	return nil
}

type hasFlagTest struct{ validator.CommandSpec }

func (t *hasFlagTest) Validate(v *validator.Validator, n *ast.Node) bool {
	return core.ValidateMatch(v, n)
}

func (t *hasFlagTest) Generate(g *generator.Generator, n *ast.Node) error {
	if err := g.EmitOp(n.Ext, opHasFlag); err != nil {
		return err
	}
	if err := core.EmitMatchOperands(g, n, false); err != nil {
		return err
	}
	g.EmitStrings(n.Positional[0])
	return nil
}

// state is the internal flags variable of one evaluation.
type state struct {
	flags []imap.Flag
}

func stateOf(rt *interpreter.Runtime) *state {
	ext := rt.Binary().Extensions[rt.Instruction().Ext]
	return rt.State(ext, func() any { return &state{} }).(*state)
}

func (s *state) set(flags []imap.Flag) {
	s.flags = append([]imap.Flag(nil), flags...)
}

func (s *state) add(flags []imap.Flag) {
	s.flags = helpers.SanitizeFlags(append(s.flags, flags...))
}

func (s *state) remove(flags []imap.Flag) {
	kept := s.flags[:0]
	for _, cur := range s.flags {
		drop := false
		for _, f := range flags {
			if strings.EqualFold(string(cur), string(f)) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, cur)
		}
	}
	s.flags = kept
}

func (s *state) strings() []string {
	out := make([]string, len(s.flags))
	for i, f := range s.flags {
		out[i] = string(f)
	}
	return out
}

func execFlags(op byte) func(*interpreter.Runtime, *binary.OperandReader) error {
	return func(rt *interpreter.Runtime, r *binary.OperandReader) error {
		lists, err := r.Strings()
		if err != nil {
			return err
		}
		flags, invalid := Normalize(lists)
		for _, f := range invalid {
			rt.Warningf("ignored invalid IMAP flag '%s'", helpers.StrSanitize(f, 80))
		}
		st := stateOf(rt)
		switch op {
		case opSetFlag:
			st.set(flags)
		case opAddFlag:
			st.add(flags)
		case opRemoveFlag:
			st.remove(flags)
		}
		rt.Tracef("flags: %s", strings.Join(st.strings(), " "))
		return nil
	}
}

func execHasFlag(rt *interpreter.Runtime, r *binary.OperandReader) error {
	m, err := core.ReadMatchOperands(rt, r, false)
	if err != nil {
		return err
	}
	keys, err := r.Strings()
	if err != nil {
		return err
	}
	// Keys are flag lists as well.
	var split []string
	for _, k := range keys {
		split = append(split, strings.Fields(k)...)
	}
	outcome := m.Match(stateOf(rt).strings(), split)
	rt.TraceTest("hasflag", outcome)
	return rt.Push(outcome)
}

// DefaultEffects gives store actions without :flags the current flags.
func (def) DefaultEffects(rt *interpreter.Runtime, ext *extension.Extension, effects []result.SideEffect) []result.SideEffect {
	if core.HasEffect(effects, EffectName) {
		return effects
	}
	st, _ := rt.State(ext, nil).(*state)
	if st == nil || len(st.flags) == 0 {
		return effects
	}
	return append(effects, &Effect{Flags: append([]imap.Flag(nil), st.flags...)})
}

// Finish attaches the final flags to the implicit keep.
func (def) Finish(rt *interpreter.Runtime, ext *extension.Extension) error {
	st, _ := rt.State(ext, nil).(*state)
	if st == nil || len(st.flags) == 0 {
		return nil
	}
	rt.Result().AddImplicitKeepEffect(&Effect{Flags: append([]imap.Flag(nil), st.flags...)})
	return nil
}

type flagsObject struct{}

func (flagsObject) Identifier() string { return EffectName }

func (flagsObject) GenerateEffect(g *generator.Generator, tag *ast.Argument) error {
	g.EmitStrings(tag.Params[0])
	return nil
}

func (flagsObject) ReadEffect(rt *interpreter.Runtime, r *binary.OperandReader) (result.SideEffect, error) {
	lists, err := r.Strings()
	if err != nil {
		return nil, err
	}
	flags, invalid := Normalize(lists)
	for _, f := range invalid {
		rt.Warningf("ignored invalid IMAP flag '%s'", helpers.StrSanitize(f, 80))
	}
	return &Effect{Flags: flags}, nil
}

// Effect sets the flags of a stored message.
type Effect struct {
	Flags []imap.Flag
}

func (e *Effect) Name() string { return EffectName }

func (e *Effect) PreExecute(_ context.Context, _ *result.Env, act result.Action) error {
	if store, ok := act.(*core.StoreAction); ok {
		store.Flags = e.Flags
	}
	return nil
}

// Merge keeps the flags of the later duplicate.
func (e *Effect) Merge(other result.SideEffect) {
	if o, ok := other.(*Effect); ok {
		e.Flags = o.Flags
	}
}

func (e *Effect) PrintEffect(w io.Writer) {
	names := make([]string, len(e.Flags))
	for i, f := range e.Flags {
		names[i] = string(f)
	}
	fmt.Fprintf(w, "        + add IMAP flags: %s\n", strings.Join(names, " "))
}
