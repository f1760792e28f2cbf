// Package validator resolves and type checks a parsed script against the
// commands, tests and tags of the extensions it requires.
package validator

import (
	"fmt"
	"sort"

	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/script"
)

// Options holds what validation hooks may need besides the AST.
type Options struct {
	// Personal and Global provide the scripts for include.
	Personal script.Storage
	Global   script.Storage
	Settings mail.Settings
}

type commandReg struct {
	cmd Command
	ext *extension.Extension
}

type tagReg struct {
	tag Tag
	ext *extension.Extension
}

// Validator validates one script. Included scripts get their own
// validator with the including one as parent.
type Validator struct {
	reg    *extension.Registry
	script *script.Script
	eh     *diag.Handler
	opts   Options
	parent *Validator

	commands map[string]commandReg
	tests    map[string]commandReg
	tags     map[string]map[string]tagReg

	active  map[int]*extension.Extension
	order   []*extension.Extension
	used    map[int]bool
	state   map[int]any
	hints   map[int]*Validator
	probing bool

	errors int
	prev   *ast.Node
	depth  int
}

// New creates a validator. The core extension (ID 0) is always active.
func New(reg *extension.Registry, s *script.Script, eh *diag.Handler, opts Options) *Validator {
	v := newValidator(reg, s, eh, opts)
	if core, ok := reg.ByID(0); ok {
		v.activate(core)
	}
	return v
}

func newValidator(reg *extension.Registry, s *script.Script, eh *diag.Handler, opts Options) *Validator {
	return &Validator{
		reg:      reg,
		script:   s,
		eh:       eh,
		opts:     opts,
		commands: make(map[string]commandReg),
		tests:    make(map[string]commandReg),
		tags:     make(map[string]map[string]tagReg),
		active:   make(map[int]*extension.Extension),
		used:     make(map[int]bool),
		state:    make(map[int]any),
	}
}

// Child creates a validator for a script included by v.
func (v *Validator) Child(s *script.Script) *Validator {
	child := New(v.reg, s, v.eh, v.opts)
	child.parent = v
	return child
}

func (v *Validator) Parent() *Validator           { return v.parent }
func (v *Validator) Script() *script.Script       { return v.script }
func (v *Validator) Registry() *extension.Registry { return v.reg }
func (v *Validator) Options() Options             { return v.opts }
func (v *Validator) Diag() *diag.Handler          { return v.eh }

// Root returns the validator of the main script.
func (v *Validator) Root() *Validator {
	for v.parent != nil {
		v = v.parent
	}
	return v
}

// Errors returns the number of errors reported by this validator.
func (v *Validator) Errors() int { return v.errors }

func (v *Validator) location(pos ast.Position) diag.Location {
	name := ""
	if v.script != nil {
		name = v.script.Name
	}
	return diag.Location{Script: name, Pos: pos}
}

// Errorf reports a validation error at pos.
func (v *Validator) Errorf(pos ast.Position, format string, args ...any) {
	if v.probing {
		return
	}
	v.errors++
	v.eh.Errorf(v.location(pos), format, args...)
}

// Warningf reports a warning at pos.
func (v *Validator) Warningf(pos ast.Position, format string, args ...any) {
	if v.probing {
		return
	}
	v.eh.Warningf(v.location(pos), format, args...)
}

// ExtensionState returns per-script state of an extension.
func (v *Validator) ExtensionState(ext *extension.Extension) any {
	return v.state[ext.ID]
}

func (v *Validator) SetExtensionState(ext *extension.Extension, st any) {
	v.state[ext.ID] = st
}

// RegisterCommand makes a command or test available to this script.
func (v *Validator) RegisterCommand(ext *extension.Extension, cmd Command) {
	spec := cmd.Spec()
	if spec.Test {
		v.tests[spec.Identifier] = commandReg{cmd: cmd, ext: ext}
	} else {
		v.commands[spec.Identifier] = commandReg{cmd: cmd, ext: ext}
	}
}

// RegisterTag adds a tagged argument to a command or test.
func (v *Validator) RegisterTag(ext *extension.Extension, identifier string, tag Tag) {
	m, ok := v.tags[identifier]
	if !ok {
		m = make(map[string]tagReg)
		v.tags[identifier] = m
	}
	m[tag.Spec().Identifier] = tagReg{tag: tag, ext: ext}
}

// Active reports whether the named extension is active for this script.
func (v *Validator) Active(name string) bool {
	for _, ext := range v.order {
		if ext.Name == name {
			return true
		}
	}
	return false
}

func (v *Validator) activate(ext *extension.Extension) bool {
	if _, ok := v.active[ext.ID]; ok {
		return true
	}
	v.active[ext.ID] = ext
	v.order = append(v.order, ext)
	if ve, ok := ext.Def.(Extension); ok {
		if err := ve.ValidatorLoad(v, ext); err != nil {
			v.Errorf(ast.Position{}, "failed to load extension '%s': %v", ext.Name, err)
			return false
		}
	}
	return true
}

// Require activates the named extension.
func (v *Validator) Require(name string, pos ast.Position) (*extension.Extension, bool) {
	ext, err := v.reg.Load(name)
	if err != nil || ext.Hidden() {
		v.Errorf(pos, "require command: unsupported sieve capability '%s'", name)
		return nil, false
	}
	if !v.activate(ext) {
		return nil, false
	}
	return ext, true
}

// UseExtension records that the script actually uses ext.
func (v *Validator) UseExtension(ext *extension.Extension) {
	v.used[ext.ID] = true
}

// UsedExtensions returns the extensions the script uses, in ID order.
func (v *Validator) UsedExtensions() []*extension.Extension {
	var out []*extension.Extension
	for _, ext := range v.order {
		if v.used[ext.ID] {
			out = append(out, ext)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindObject looks up an object of a class among the active extensions.
func (v *Validator) FindObject(class extension.ObjectClass, identifier string) (*ObjectValue, bool) {
	for _, ext := range v.order {
		if obj, ok := ext.FindObject(class, identifier); ok {
			return &ObjectValue{Class: class, Object: obj, Ext: ext}, true
		}
	}
	return nil, false
}

// ObjectHint names the inactive extension that provides an object, for
// use in diagnostics.
func (v *Validator) ObjectHint(class extension.ObjectClass, identifier string) string {
	for _, ext := range v.reg.Extensions() {
		if _, active := v.active[ext.ID]; active || ext.Hidden() {
			continue
		}
		if _, ok := ext.FindObject(class, identifier); ok {
			return hintText(ext)
		}
	}
	return ""
}

func hintText(ext *extension.Extension) string {
	return fmt.Sprintf(" (the '%s' extension provides it, but it is not required)", ext.Name)
}

// hint names an inactive extension that would register the given command,
// test or tag.
func (v *Validator) hint(match func(p *Validator) bool) string {
	if v.probing {
		return ""
	}
	if v.hints == nil {
		v.hints = make(map[int]*Validator)
	}
	for _, ext := range v.reg.Extensions() {
		if _, active := v.active[ext.ID]; active || ext.Hidden() {
			continue
		}
		probe, ok := v.hints[ext.ID]
		if !ok {
			probe = newValidator(v.reg, v.script, nil, v.opts)
			probe.probing = true
			probe.activate(ext)
			v.hints[ext.ID] = probe
		}
		if match(probe) {
			return hintText(ext)
		}
	}
	return ""
}

// PreviousCommand returns the command preceding the one being validated
// in the same block, or nil.
func (v *Validator) PreviousCommand() *ast.Node { return v.prev }

// Depth returns the block nesting depth of the command being validated.
func (v *Validator) Depth() int { return v.depth }

// Validate checks the whole script and annotates it. It returns false
// when any error was reported.
func (v *Validator) Validate(tree *ast.Script) bool {
	if tree == nil {
		return false
	}
	v.validateBlock(tree.Commands)
	return v.errors == 0
}

func (v *Validator) validateBlock(cmds []*ast.Node) {
	savedPrev := v.prev
	v.prev = nil
	for _, n := range cmds {
		v.validateCommand(n)
		v.prev = n
	}
	v.prev = savedPrev
}

func (v *Validator) validateCommand(n *ast.Node) {
	reg, ok := v.commands[n.Identifier]
	if !ok {
		if _, isTest := v.tests[n.Identifier]; isTest {
			v.Errorf(n.Pos, "'%s' is a test, not a command", n.Identifier)
			return
		}
		h := v.hint(func(p *Validator) bool { _, ok := p.commands[n.Identifier]; return ok })
		v.Errorf(n.Pos, "unknown command '%s'%s", n.Identifier, h)
		return
	}
	v.validateNode(n, reg)
	if n.HasBlock {
		v.depth++
		v.validateBlock(n.Block)
		v.depth--
	}
}

func (v *Validator) validateTest(n *ast.Node) {
	reg, ok := v.tests[n.Identifier]
	if !ok {
		if _, isCmd := v.commands[n.Identifier]; isCmd {
			v.Errorf(n.Pos, "'%s' is a command, not a test", n.Identifier)
			return
		}
		h := v.hint(func(p *Validator) bool { _, ok := p.tests[n.Identifier]; return ok })
		v.Errorf(n.Pos, "unknown test '%s'%s", n.Identifier, h)
		return
	}
	v.validateNode(n, reg)
}

// validateNode checks n against its definition. Sub-tests are validated
// even when n itself is invalid so that all errors surface in one pass.
func (v *Validator) validateNode(n *ast.Node, reg commandReg) bool {
	spec := reg.cmd.Spec()
	n.Def = reg.cmd
	n.Ext = reg.ext.ID
	n.Tagged, n.Positional = nil, nil

	ok := v.validateArguments(n, reg.cmd, spec)
	if !v.validateShape(n, spec) {
		ok = false
	}
	if ok {
		v.used[reg.ext.ID] = true
		if cv, isCV := reg.cmd.(CommandValidator); isCV && !cv.Validate(v, n) {
			ok = false
		}
	}

	for _, t := range n.Tests {
		before := v.errors
		v.validateTest(t)
		if v.errors > before {
			ok = false
		}
	}
	return ok
}

// validateShape checks the number of sub-tests and the presence of a block.
func (v *Validator) validateShape(n *ast.Node, spec *CommandSpec) bool {
	switch spec.SubTests {
	case NoTests:
		if len(n.Tests) > 0 {
			v.Errorf(n.Pos, "the %s %s does not accept any tests", n.Identifier, spec.kind())
			return false
		}
	case OneTest:
		if len(n.Tests) != 1 {
			v.Errorf(n.Pos, "the %s %s requires exactly one test, but %d were found", n.Identifier, spec.kind(), len(n.Tests))
			return false
		}
	case TestList:
		if len(n.Tests) == 0 {
			v.Errorf(n.Pos, "the %s %s requires a list of tests", n.Identifier, spec.kind())
			return false
		}
	}

	if !spec.Test {
		if spec.Block && !n.HasBlock {
			v.Errorf(n.Pos, "the %s command requires a command block", n.Identifier)
			return false
		}
		if !spec.Block && n.HasBlock {
			v.Errorf(n.Pos, "the %s command does not accept a command block", n.Identifier)
			return false
		}
	}
	return true
}

func (v *Validator) validateArguments(n *ast.Node, cmd Command, spec *CommandSpec) bool {
	groups := make(map[string]*ast.Argument)
	args := n.Args
	ok := true

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg.Kind != ast.Tag {
			n.Positional = append(n.Positional, arg)
			continue
		}
		if len(n.Positional) > 0 {
			v.Errorf(arg.Pos, "tagged argument ':%s' of the %s %s follows positional arguments", arg.Tag, n.Identifier, spec.kind())
			return false
		}

		group, resolved := v.resolveTag(n, spec, arg)
		if !resolved {
			ok = false
			continue
		}
		if group != "" {
			if prev, dup := groups[group]; dup {
				v.Errorf(arg.Pos, "the :%s tag of the %s %s cannot be combined with :%s", arg.Tag, n.Identifier, spec.kind(), prev.Tag)
				ok = false
				continue
			}
			groups[group] = arg
		}

		if ts, isTag := arg.Def.(Tag); isTag && ts.Spec().HasParam {
			want := ts.Spec().Param
			if i+1 >= len(args) || !kindAccepts(want, args[i+1].Kind) {
				found := "nothing"
				if i+1 < len(args) {
					found = "a " + args[i+1].Kind.String()
				}
				v.Errorf(arg.Pos, "the :%s tag of the %s %s requires a %s as parameter, but %s was found",
					arg.Tag, n.Identifier, spec.kind(), want, found)
				return false
			}
			arg.Params = []*ast.Argument{args[i+1]}
			i++
		}
		n.Tagged = append(n.Tagged, arg)
	}
	if !ok {
		return false
	}
	if ac, isAC := cmd.(ArgumentChecker); isAC && !ac.CheckArguments(v, n) {
		return false
	}

	if len(n.Positional) != len(spec.Positional) {
		v.Errorf(n.Pos, "the %s %s expects %d positional argument(s), but %d were found",
			n.Identifier, spec.kind(), len(spec.Positional), len(n.Positional))
		return false
	}
	for i, want := range spec.Positional {
		got := n.Positional[i]
		if !kindAccepts(want, got.Kind) {
			v.Errorf(got.Pos, "the %s %s expects a %s as positional argument %d, but a %s was found",
				n.Identifier, spec.kind(), want, i+1, got.Kind)
			return false
		}
	}

	for _, arg := range n.Tagged {
		if tv, isTV := arg.Def.(TagValidator); isTV {
			if !tv.ValidateTag(v, n, arg) {
				return false
			}
		}
	}
	return true
}

// resolveTag annotates arg with its definition and returns its group.
func (v *Validator) resolveTag(n *ast.Node, spec *CommandSpec, arg *ast.Argument) (string, bool) {
	if tr, ok := v.tags[n.Identifier][arg.Tag]; ok {
		arg.Def = tr.tag
		arg.Ext = tr.ext.ID
		v.used[tr.ext.ID] = true
		return tr.tag.Spec().Group, true
	}
	for _, class := range spec.ObjectTags {
		if ov, ok := v.FindObject(class, arg.Tag); ok {
			arg.Def = &ObjectTag{Class: class}
			arg.Ext = ov.Ext.ID
			arg.Data = ov
			v.used[ov.Ext.ID] = true
			return class.String(), true
		}
	}

	h := v.hint(func(p *Validator) bool {
		_, ok := p.tags[n.Identifier][arg.Tag]
		return ok
	})
	if h == "" {
		for _, class := range spec.ObjectTags {
			if h = v.ObjectHint(class, arg.Tag); h != "" {
				break
			}
		}
	}
	v.Errorf(arg.Pos, "unknown tagged argument ':%s' for the %s %s%s", arg.Tag, n.Identifier, spec.kind(), h)
	return "", false
}

func kindAccepts(want, got ast.ArgKind) bool {
	if want == got {
		return true
	}
	return want == ast.StringList && got == ast.String
}
