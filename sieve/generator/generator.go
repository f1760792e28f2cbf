// Package generator turns a validated AST into a binary.
package generator

import (
	"fmt"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/script"
	"github.com/migadu/sieve/sieve/validator"
)

// Core jump operations. The core extension places them at these opcodes.
const (
	OpJmp byte = iota
	OpJmpTrue
	OpJmpFalse
)

// Generatable is implemented by command and test definitions that emit
// code. A test emits code that pushes one boolean.
type Generatable interface {
	Generate(g *Generator, n *ast.Node) error
}

// CondGenerator is implemented by tests that compile to jumps only. It
// returns the patch offsets of the jumps taken when the test evaluates to
// jumpOn. Falling through means the opposite outcome.
type CondGenerator interface {
	GenerateCond(g *Generator, n *ast.Node, jumpOn bool) ([]int, error)
}

// Generator emits code for one compilation.
type Generator struct {
	reg *extension.Registry
	eh  *diag.Handler
	bin *binary.Binary

	em     *binary.Emitter
	script *script.Script
	state  map[int]any

	siblings []*ast.Node
	index    int
}

func New(reg *extension.Registry, eh *diag.Handler) *Generator {
	return &Generator{reg: reg, eh: eh, state: make(map[int]any)}
}

// Generate compiles tree as the main block of a new binary.
func (g *Generator) Generate(tree *ast.Script, s *script.Script) (*binary.Binary, error) {
	g.bin = binary.New(g.reg)
	if _, err := g.GenerateBlock(tree, s); err != nil {
		return nil, err
	}
	return g.bin, nil
}

// GenerateBlock compiles a script into its own block and returns the
// block index. A script already compiled into this binary is reused.
func (g *Generator) GenerateBlock(tree *ast.Script, s *script.Script) (int, error) {
	if g.bin == nil {
		return 0, fmt.Errorf("%w: no binary", consts.ErrGenerationFailed)
	}
	if idx, ok := g.bin.FindBlock(s.Location); ok {
		return idx, nil
	}
	idx, blk := g.bin.AddBlock(s.Name, s.Location, s.Fingerprint())

	savedEm, savedScript := g.em, g.script
	savedSiblings, savedIndex := g.siblings, g.index
	g.em, g.script = binary.NewEmitter(), s
	defer func() {
		g.em, g.script = savedEm, savedScript
		g.siblings, g.index = savedSiblings, savedIndex
	}()

	if err := g.GenerateCommands(tree.Commands); err != nil {
		return 0, err
	}
	if err := g.em.Err(); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", consts.ErrGenerationFailed, s.Name, err)
	}
	blk.Code = g.em.Bytes()
	return idx, nil
}

func (g *Generator) Registry() *extension.Registry { return g.reg }
func (g *Generator) Binary() *binary.Binary   { return g.bin }
func (g *Generator) Emitter() *binary.Emitter { return g.em }
func (g *Generator) Script() *script.Script   { return g.script }

// ExtensionState returns per-compilation state of an extension.
func (g *Generator) ExtensionState(ext *extension.Extension) any {
	return g.state[ext.ID]
}

func (g *Generator) SetExtensionState(ext *extension.Extension, st any) {
	g.state[ext.ID] = st
}

// Errorf reports an internal generation problem and returns it as an
// error wrapping consts.ErrGenerationFailed.
func (g *Generator) Errorf(pos ast.Position, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	name := ""
	if g.script != nil {
		name = g.script.Name
	}
	g.eh.Errorf(diag.Location{Script: name, Pos: pos}, "%s", msg)
	return fmt.Errorf("%w: %s", consts.ErrGenerationFailed, msg)
}

// GenerateCommands emits a list of commands in order.
func (g *Generator) GenerateCommands(cmds []*ast.Node) error {
	savedSiblings, savedIndex := g.siblings, g.index
	defer func() { g.siblings, g.index = savedSiblings, savedIndex }()

	g.siblings = cmds
	for i, n := range cmds {
		g.index = i
		if err := g.generateNode(n); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the command following the one being generated in the same
// block, or nil.
func (g *Generator) Next() *ast.Node {
	if g.index+1 < len(g.siblings) {
		return g.siblings[g.index+1]
	}
	return nil
}

func (g *Generator) generateNode(n *ast.Node) error {
	gen, ok := n.Def.(Generatable)
	if !ok {
		return g.Errorf(n.Pos, "%s '%s' cannot be generated", n.Kind(), n.Identifier)
	}
	return gen.Generate(g, n)
}


// GenerateCond emits a test as a condition. The returned jumps are taken
// when the test is jumpOn.
func (g *Generator) GenerateCond(n *ast.Node, jumpOn bool) ([]int, error) {
	if cg, ok := n.Def.(CondGenerator); ok {
		return cg.GenerateCond(g, n, jumpOn)
	}
	if err := g.generateNode(n); err != nil {
		return nil, err
	}
	op := OpJmpFalse
	if jumpOn {
		op = OpJmpTrue
	}
	at, err := g.EmitJump(op)
	if err != nil {
		return nil, err
	}
	return []int{at}, nil
}

// EmitOp starts an instruction of the extension with registry ID extID.
func (g *Generator) EmitOp(extID int, code byte) error {
	ext, ok := g.reg.ByID(extID)
	if !ok {
		return fmt.Errorf("%w: unknown extension %d", consts.ErrGenerationFailed, extID)
	}
	idx, err := g.bin.ExtensionIndex(ext)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrGenerationFailed, err)
	}
	g.em.Begin(idx, code)
	return nil
}

// EmitOperation starts an instruction for an operation of ext.
func (g *Generator) EmitOperation(ext *extension.Extension, op extension.Operation) error {
	code, ok := ext.OperationCode(op)
	if !ok {
		return fmt.Errorf("%w: operation %s not provided by %s", consts.ErrGenerationFailed, op.Mnemonic(), ext.Name)
	}
	return g.EmitOp(ext.ID, code)
}

// EmitJump emits a core jump and returns the offset to patch.
func (g *Generator) EmitJump(op byte) (int, error) {
	if err := g.EmitOp(0, op); err != nil {
		return 0, err
	}
	return g.em.Address(), nil
}

// PatchHere points every jump in list at the current offset.
func (g *Generator) PatchHere(list []int) {
	off := g.em.Offset()
	for _, at := range list {
		g.em.PatchAddress(at, off)
	}
}

// EmitObject emits a reference to an object resolved by the validator.
func (g *Generator) EmitObject(ov *validator.ObjectValue) error {
	if ov == nil {
		return fmt.Errorf("%w: missing object", consts.ErrGenerationFailed)
	}
	set := ov.Ext.ObjectSet(ov.Class)
	if set == nil {
		return fmt.Errorf("%w: %s has no %s objects", consts.ErrGenerationFailed, ov.Ext.Name, ov.Class)
	}
	code, ok := set.Code(ov.Object)
	if !ok {
		return fmt.Errorf("%w: %s object %s not provided by %s", consts.ErrGenerationFailed, ov.Class, ov.Object.Identifier(), ov.Ext.Name)
	}
	idx, err := g.bin.ExtensionIndex(ov.Ext)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrGenerationFailed, err)
	}
	g.em.Object(binary.ObjectRef{Class: ov.Class, Ext: idx, Code: code})
	return nil
}

// EmitBlock emits a block reference operand.
func (g *Generator) EmitBlock(idx int) {
	g.em.Block(idx)
}

// EmitStrings emits a string or string list argument as it was written.
func (g *Generator) EmitStrings(arg *ast.Argument) {
	if arg.Kind == ast.String {
		g.em.String(arg.Str)
		return
	}
	g.em.StringList(arg.List)
}
