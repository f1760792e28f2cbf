// Package ast holds the syntax tree produced by the parser. The validator
// annotates nodes in place; the generator reads them.
package ast

import (
	"fmt"
	"strings"
)

// Position is a 1-based location in the script source.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// IsValid reports whether the position points into a source.
func (p Position) IsValid() bool {
	return p.Line > 0
}

type ArgKind int

const (
	String ArgKind = iota
	StringList
	Number
	Tag
)

func (k ArgKind) String() string {
	switch k {
	case String:
		return "string"
	case StringList:
		return "string list"
	case Number:
		return "number"
	case Tag:
		return "tag"
	default:
		return "unknown"
	}
}

// Argument is one command or test argument.
type Argument struct {
	Kind ArgKind
	Pos  Position
	Str  string
	List []string
	Num  uint64
	Tag  string // without the leading colon

	// Validator annotations
	Def    any         // resolved tag definition
	Ext    int         // id of the extension providing Def
	Params []*Argument // arguments consumed by a tag
	Data   any         // tag specific context, e.g. a resolved object
}

// Strings returns the value of a string or string list argument as a list.
func (a *Argument) Strings() []string {
	switch a.Kind {
	case String:
		return []string{a.Str}
	case StringList:
		return a.List
	}
	return nil
}

// IsStringLike reports whether the argument is usable where a string list is expected.
func (a *Argument) IsStringLike() bool {
	return a.Kind == String || a.Kind == StringList
}

func (a *Argument) String() string {
	switch a.Kind {
	case String:
		return fmt.Sprintf("%q", a.Str)
	case StringList:
		quoted := make([]string, len(a.List))
		for i, s := range a.List {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	case Number:
		return fmt.Sprintf("%d", a.Num)
	case Tag:
		return ":" + a.Tag
	}
	return "?"
}

// Node is a command (with an optional block) or a test (with optional sub-tests).
type Node struct {
	IsTest     bool
	Identifier string
	Pos        Position
	Args       []*Argument
	Tests      []*Node
	Block      []*Node
	HasBlock   bool

	// Validator annotations
	Def        any         // resolved command definition
	Ext        int         // id of the extension providing Def
	Tagged     []*Argument // resolved tagged arguments in source order
	Positional []*Argument // positional arguments
	Data       any         // command specific context
}

// Kind returns "test" or "command" for diagnostics.
func (n *Node) Kind() string {
	if n.IsTest {
		return "test"
	}
	return "command"
}

// FindTag returns the resolved tagged argument with the given identifier.
func (n *Node) FindTag(tag string) *Argument {
	for _, a := range n.Tagged {
		if a.Tag == tag {
			return a
		}
	}
	return nil
}

// Script is the root of a parsed script.
type Script struct {
	Name     string
	Commands []*Node
}

// Walk calls fn for every command and test in depth-first source order.
// Returning false from fn skips the children of that node.
func Walk(nodes []*Node, fn func(*Node) bool) {
	for _, n := range nodes {
		if !fn(n) {
			continue
		}
		Walk(n.Tests, fn)
		Walk(n.Block, fn)
	}
}
