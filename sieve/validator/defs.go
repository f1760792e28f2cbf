package validator

import (
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/extension"
)

// SubTests tells how many tests a command or test takes.
type SubTests int

const (
	NoTests SubTests = iota
	OneTest
	TestList
)

// CommandSpec is the signature of a command or test.
type CommandSpec struct {
	Identifier string
	Test       bool
	// Positional lists the kinds of the positional arguments. A string is
	// accepted where a string list is expected.
	Positional []ast.ArgKind
	SubTests   SubTests
	Block      bool
	// ObjectTags lists object classes that may be selected by tag, e.g.
	// ":is" for match types.
	ObjectTags []extension.ObjectClass
}

func (s *CommandSpec) Spec() *CommandSpec { return s }

func (s *CommandSpec) kind() string {
	if s.Test {
		return "test"
	}
	return "command"
}

// Command is a command or test definition.
type Command interface {
	Spec() *CommandSpec
}

// CommandValidator performs command specific checks after the generic
// signature check. It may annotate the node.
type CommandValidator interface {
	Validate(v *Validator, n *ast.Node) bool
}

// ArgumentChecker runs once the tagged arguments are resolved, before the
// positional arguments are checked against the signature.
type ArgumentChecker interface {
	CheckArguments(v *Validator, n *ast.Node) bool
}

// TagSpec describes a tagged argument.
type TagSpec struct {
	Identifier string
	HasParam   bool
	Param      ast.ArgKind
	// Group makes tags mutually exclusive, e.g. all match types.
	Group string
}

func (s *TagSpec) Spec() *TagSpec { return s }

// Tag is a tagged argument definition.
type Tag interface {
	Spec() *TagSpec
}

// TagValidator checks a tag and its parameter.
type TagValidator interface {
	ValidateTag(v *Validator, n *ast.Node, arg *ast.Argument) bool
}

// Extension is implemented by extension definitions that contribute
// commands, tests or tags.
type Extension interface {
	ValidatorLoad(v *Validator, ext *extension.Extension) error
}

// ObjectValue is the annotation of an argument that selects an object.
type ObjectValue struct {
	Class  extension.ObjectClass
	Object extension.Object
	Ext    *extension.Extension
}

// ObjectTag is the definition assigned to a tag that names an object.
type ObjectTag struct {
	Class extension.ObjectClass
}

// TaggedObject returns the object of the given class selected by a tagged
// argument of n, or nil.
func TaggedObject(n *ast.Node, class extension.ObjectClass) *ObjectValue {
	for _, arg := range n.Tagged {
		if ov, ok := arg.Data.(*ObjectValue); ok && ov.Class == class {
			return ov
		}
	}
	return nil
}
