package core

import (
	"fmt"

	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/validator"
)

// OptSideEffect marks a side effect operand of an action.
const OptSideEffect byte = 1

// SideEffectObject is a side effect that a tag attaches to an action.
type SideEffectObject interface {
	extension.Object
	// GenerateEffect emits the operands following the object reference.
	GenerateEffect(g *generator.Generator, tag *ast.Argument) error
	ReadEffect(rt *interpreter.Runtime, r *binary.OperandReader) (result.SideEffect, error)
}

// SideEffectTag attaches Object to the tagged action.
type SideEffectTag struct {
	validator.TagSpec
	Object SideEffectObject
}

// DefaultEffecter is implemented by extension definitions that attach side
// effects to store actions lacking one of their own.
type DefaultEffecter interface {
	DefaultEffects(rt *interpreter.Runtime, ext *extension.Extension, effects []result.SideEffect) []result.SideEffect
}

// EmitSideEffects emits every side effect tag of n.
func EmitSideEffects(g *generator.Generator, n *ast.Node) error {
	for _, arg := range n.Tagged {
		st, ok := arg.Def.(*SideEffectTag)
		if !ok {
			continue
		}
		ext, ok := g.Registry().ByID(arg.Ext)
		if !ok {
			return g.Errorf(arg.Pos, "side effect :%s has no extension", arg.Tag)
		}
		g.Emitter().Optional(OptSideEffect)
		if err := g.EmitObject(&validator.ObjectValue{Class: extension.ClassSideEffect, Object: st.Object, Ext: ext}); err != nil {
			return err
		}
		if err := st.Object.GenerateEffect(g, arg); err != nil {
			return err
		}
	}
	return nil
}

// ReadSideEffects reads the side effect operands of an action.
func ReadSideEffects(rt *interpreter.Runtime, r *binary.OperandReader) ([]result.SideEffect, error) {
	var effects []result.SideEffect
	for {
		id, ok, err := r.Optional()
		if err != nil {
			return nil, err
		}
		if !ok {
			return effects, nil
		}
		if id != OptSideEffect {
			return nil, fmt.Errorf("%w: unexpected optional operand %d", binary.ErrCorrupt, id)
		}
		obj, err := rt.ReadObject(r, extension.ClassSideEffect)
		if err != nil {
			return nil, err
		}
		seo, err := asObject[SideEffectObject](obj)
		if err != nil {
			return nil, err
		}
		se, err := seo.ReadEffect(rt, r)
		if err != nil {
			return nil, err
		}
		effects = append(effects, se)
	}
}

// AddStore records a store action with its side effects completed by the
// extensions of the binary.
func AddStore(rt *interpreter.Runtime, act *StoreAction, effects []result.SideEffect, keep bool) error {
	for _, ext := range rt.Binary().Extensions {
		if de, ok := ext.Def.(DefaultEffecter); ok {
			effects = de.DefaultEffects(rt, ext, effects)
		}
	}
	return rt.AddAction(act, effects, keep)
}

// HasEffect reports whether effects holds one with the given name.
func HasEffect(effects []result.SideEffect, name string) bool {
	for _, se := range effects {
		if se.Name() == name {
			return true
		}
	}
	return false
}
