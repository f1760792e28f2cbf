// Package include implements the include and return commands (RFC 6609).
package include

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/parser"
	"github.com/migadu/sieve/sieve/script"
	"github.com/migadu/sieve/sieve/validator"
)

const (
	Name = "include"

	SettingMaxNesting  = "sieve_include_max_nesting_depth"
	SettingMaxIncludes = "sieve_include_max_includes"

	DefaultMaxNesting  = 10
	DefaultMaxIncludes = 255
)

const (
	opInclude byte = iota
	opReturn
)

const flagOnce = 1

type def struct {
	maxNesting  int
	maxIncludes int
}

// New returns the extension with its limits taken from settings.
func New(settings mail.Settings) extension.Def {
	return &def{
		maxNesting:  mail.SettingInt(settings, SettingMaxNesting, DefaultMaxNesting),
		maxIncludes: mail.SettingInt(settings, SettingMaxIncludes, DefaultMaxIncludes),
	}
}

// MaxNesting is the include depth limit, also enforced at run time.
func MaxNesting(ext *extension.Extension) int {
	if d, ok := ext.Def.(*def); ok {
		return d.maxNesting
	}
	return DefaultMaxNesting
}

func (d *def) Name() string { return Name }

func (d *def) Operations() []extension.Operation {
	return []extension.Operation{
		opInclude: &interpreter.Op{Name: "INCLUDE", Exec: execInclude},
		opReturn:  &interpreter.Op{Name: "RETURN", Exec: execReturn},
	}
}

func (d *def) ValidatorLoad(v *validator.Validator, ext *extension.Extension) error {
	v.RegisterCommand(ext, &includeCommand{validator.CommandSpec{Identifier: "include", Positional: []ast.ArgKind{ast.String}}, d, ext})
	v.RegisterCommand(ext, &returnCommand{validator.CommandSpec{Identifier: "return"}})
	v.RegisterTag(ext, "include", &validator.TagSpec{Identifier: "personal", Group: "location"})
	v.RegisterTag(ext, "include", &validator.TagSpec{Identifier: "global", Group: "location"})
	v.RegisterTag(ext, "include", &validator.TagSpec{Identifier: "once"})
	v.RegisterTag(ext, "include", &validator.TagSpec{Identifier: "optional"})
	return nil
}

// included is the validated script behind an include command.
type included struct {
	script *script.Script
	tree   *ast.Script
	once   bool
}

// rootState is kept on the main script's validator.
type rootState struct {
	scripts map[string]*included
}

type includeCommand struct {
	validator.CommandSpec
	d   *def
	ext *extension.Extension
}

func (c *includeCommand) Validate(v *validator.Validator, n *ast.Node) bool {
	arg := n.Positional[0]
	name := arg.Str
	if err := script.ValidateName(name); err != nil {
		v.Errorf(arg.Pos, "include: invalid script name '%s': %v", helpers.StrSanitize(name, 80), err)
		return false
	}

	opts := v.Options()
	storage, kind := opts.Personal, "personal"
	if n.FindTag("global") != nil {
		storage, kind = opts.Global, "global"
	}
	if storage == nil {
		v.Errorf(n.Pos, "include: %s scripts are not available", kind)
		return false
	}

	depth := 0
	for p := v; p.Parent() != nil; p = p.Parent() {
		depth++
	}
	if depth+1 > c.d.maxNesting {
		v.Errorf(n.Pos, "cannot nest includes deeper than %d levels", c.d.maxNesting)
		return false
	}

	s, err := storage.Get(context.Background(), name)
	if err != nil {
		if errors.Is(err, consts.ErrScriptNotFound) {
			if n.FindTag("optional") != nil {
				return true
			}
			v.Errorf(arg.Pos, "included %s script '%s' does not exist", kind, helpers.StrSanitize(name, 80))
			return false
		}
		v.Errorf(arg.Pos, "failed to include %s script '%s': %v", kind, helpers.StrSanitize(name, 80), err)
		return false
	}

	for p := v; p != nil; p = p.Parent() {
		if cur := p.Script(); cur != nil && cur.Location == s.Location {
			v.Errorf(arg.Pos, "circular include of script '%s'", helpers.StrSanitize(name, 80))
			return false
		}
	}

	root := v.Root()
	st, _ := root.ExtensionState(c.ext).(*rootState)
	if st == nil {
		st = &rootState{scripts: make(map[string]*included)}
		root.SetExtensionState(c.ext, st)
	}
	inc, seen := st.scripts[s.Location]
	if !seen {
		if len(st.scripts) >= c.d.maxIncludes {
			v.Errorf(n.Pos, "failed to include script '%s': no more than %d includes allowed", helpers.StrSanitize(name, 80), c.d.maxIncludes)
			return false
		}
		tree := parser.Parse(s.Source, s.Name, v.Diag())
		if tree == nil {
			v.Errorf(arg.Pos, "failed to parse included script '%s'", helpers.StrSanitize(name, 80))
			return false
		}
		if !v.Child(s).Validate(tree) {
			v.Errorf(arg.Pos, "failed to validate included script '%s'", helpers.StrSanitize(name, 80))
			return false
		}
		inc = &included{script: s, tree: tree}
		st.scripts[s.Location] = inc
	}
	n.Data = &included{script: inc.script, tree: inc.tree, once: n.FindTag("once") != nil}
	return true
}

func (c *includeCommand) Generate(g *generator.Generator, n *ast.Node) error {
	inc, ok := n.Data.(*included)
	if !ok {
		// Missing optional script.
		return nil
	}
	idx, err := g.GenerateBlock(inc.tree, inc.script)
	if err != nil {
		return err
	}
	if err := g.EmitOp(n.Ext, opInclude); err != nil {
		return err
	}
	g.EmitBlock(idx)
	var flags uint64
	if inc.once {
		flags |= flagOnce
	}
	g.Emitter().Number(flags)
	return nil
}

type returnCommand struct{ validator.CommandSpec }

func (c *returnCommand) Generate(g *generator.Generator, n *ast.Node) error {
	return g.EmitOp(n.Ext, opReturn)
}

func execInclude(rt *interpreter.Runtime, r *binary.OperandReader) error {
	blk, err := r.Block()
	if err != nil {
		return err
	}
	flags, err := r.Number()
	if err != nil {
		return err
	}
	if err := rt.Include(blk, flags&flagOnce != 0); err != nil {
		return fmt.Errorf("include: %w", err)
	}
	return nil
}

func execReturn(rt *interpreter.Runtime, _ *binary.OperandReader) error {
	rt.Return()
	return nil
}
