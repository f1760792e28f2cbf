// Package parser turns Sieve source text into an AST. It checks syntax
// only; identifiers are resolved by the validator.
package parser

import (
	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/diag"
)

// Options bounds the size of the tree the parser will build.
type Options struct {
	MaxNesting   int // nested blocks and tests
	MaxListItems int // items in one string list
	MaxArguments int // arguments of one command or test
	MaxStringLen int // bytes in one string
}

var DefaultOptions = Options{
	MaxNesting:   32,
	MaxListItems: 1024,
	MaxArguments: 32,
	MaxStringLen: 1 << 20,
}

// Parse parses a script with DefaultOptions. It returns nil when any error
// was reported; a script without commands yields an empty, non-nil Script.
func Parse(src []byte, name string, eh *diag.Handler) *ast.Script {
	return ParseWithOptions(src, name, eh, DefaultOptions)
}

func ParseWithOptions(src []byte, name string, eh *diag.Handler, opts Options) *ast.Script {
	p := &parser{name: name, eh: eh, opts: opts}
	p.lex = newLexer(src, opts.MaxStringLen, p.errorf)
	p.next()

	cmds := p.commands(false)
	if p.errors > 0 {
		return nil
	}
	return &ast.Script{Name: name, Commands: cmds}
}

type parser struct {
	lex    *lexer
	tok    token
	name   string
	eh     *diag.Handler
	opts   Options
	errors int
	depth  int
}

func (p *parser) errorf(pos ast.Position, format string, args ...any) {
	p.errors++
	p.eh.Errorf(diag.Location{Script: p.name, Pos: pos}, format, args...)
}

func (p *parser) next() {
	p.tok = p.lex.next()
}

// unexpected reports the current token unless the lexer already did.
func (p *parser) unexpected(expected string) {
	if p.tok.kind == tokError {
		return
	}
	p.errorf(p.tok.pos, "unexpected %s found while expecting %s", p.tok.describe(), expected)
}

// recover skips to the end of the current command: past the next ';' or
// the next complete block, or up to a closing '}' of the enclosing block.
func (p *parser) recover() {
	for {
		switch p.tok.kind {
		case tokEOF, tokRBrace:
			return
		case tokSemicolon:
			p.next()
			return
		case tokLBrace:
			p.skipBlock()
			return
		}
		p.next()
	}
}

func (p *parser) skipBlock() {
	level := 0
	for {
		switch p.tok.kind {
		case tokEOF:
			return
		case tokLBrace:
			level++
		case tokRBrace:
			level--
			if level == 0 {
				p.next()
				return
			}
		}
		p.next()
	}
}

func (p *parser) enter(pos ast.Position) bool {
	p.depth++
	if p.opts.MaxNesting > 0 && p.depth > p.opts.MaxNesting {
		p.errorf(pos, "cannot nest blocks and tests deeper than %d levels", p.opts.MaxNesting)
		return false
	}
	return true
}

func (p *parser) leave() {
	p.depth--
}

func (p *parser) commands(inBlock bool) []*ast.Node {
	cmds := []*ast.Node{}
	for {
		switch p.tok.kind {
		case tokEOF:
			if inBlock {
				p.errorf(p.tok.pos, "end of script before end of command block ('}')")
			}
			return cmds
		case tokRBrace:
			if inBlock {
				return cmds
			}
			p.errorf(p.tok.pos, "unexpected '}' outside a command block")
			p.next()
		case tokIdentifier:
			if cmd := p.command(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		default:
			p.unexpected("command identifier")
			p.recover()
		}
	}
}

func (p *parser) command() *ast.Node {
	n := &ast.Node{Identifier: p.tok.str, Pos: p.tok.pos}
	p.next()
	if !p.arguments(n) {
		p.recover()
		return nil
	}

	switch p.tok.kind {
	case tokSemicolon:
		p.next()
		return n
	case tokLBrace:
		pos := p.tok.pos
		ok := p.enter(pos)
		if !ok {
			p.leave()
			p.skipBlock()
			return nil
		}
		p.next()
		n.HasBlock = true
		n.Block = p.commands(true)
		p.leave()
		if p.tok.kind != tokRBrace {
			return nil
		}
		p.next()
		return n
	default:
		p.unexpected("';' or '{' after the " + n.Identifier + " command")
		p.recover()
		return nil
	}
}

func (p *parser) arguments(n *ast.Node) bool {
loop:
	for {
		var arg *ast.Argument
		switch p.tok.kind {
		case tokString, tokLBracket:
			arg = p.stringList()
		case tokNumber:
			arg = &ast.Argument{Kind: ast.Number, Pos: p.tok.pos, Num: p.tok.num}
			p.next()
		case tokTag:
			arg = &ast.Argument{Kind: ast.Tag, Pos: p.tok.pos, Tag: p.tok.str}
			p.next()
		case tokError:
			return false
		default:
			break loop
		}
		if arg == nil {
			return false
		}
		if p.opts.MaxArguments > 0 && len(n.Args) >= p.opts.MaxArguments {
			p.errorf(arg.Pos, "too many arguments for the %s %s (max %d)", n.Identifier, n.Kind(), p.opts.MaxArguments)
			return false
		}
		n.Args = append(n.Args, arg)
	}

	switch p.tok.kind {
	case tokIdentifier:
		t := p.test()
		if t == nil {
			return false
		}
		n.Tests = []*ast.Node{t}
	case tokLParen:
		pos := p.tok.pos
		if !p.enter(pos) {
			p.leave()
			return false
		}
		defer p.leave()
		p.next()
		for {
			if p.tok.kind != tokIdentifier {
				p.unexpected("test identifier")
				return false
			}
			t := p.test()
			if t == nil {
				return false
			}
			n.Tests = append(n.Tests, t)
			if p.tok.kind == tokComma {
				p.next()
				continue
			}
			if p.tok.kind == tokRParen {
				p.next()
				break
			}
			p.unexpected("',' or ')' in test list")
			return false
		}
	case tokError:
		return false
	}
	return true
}

func (p *parser) test() *ast.Node {
	n := &ast.Node{IsTest: true, Identifier: p.tok.str, Pos: p.tok.pos}
	defer p.leave()
	if !p.enter(n.Pos) {
		return nil
	}
	p.next()
	if !p.arguments(n) {
		return nil
	}
	return n
}

func (p *parser) stringList() *ast.Argument {
	pos := p.tok.pos
	if p.tok.kind == tokString {
		arg := &ast.Argument{Kind: ast.String, Pos: pos, Str: p.tok.str}
		p.next()
		return arg
	}

	p.next()
	arg := &ast.Argument{Kind: ast.StringList, Pos: pos, List: []string{}}
	for {
		if p.tok.kind != tokString {
			p.unexpected("string in string list")
			return nil
		}
		if p.opts.MaxListItems > 0 && len(arg.List) >= p.opts.MaxListItems {
			p.errorf(p.tok.pos, "string list is too long (max %d items)", p.opts.MaxListItems)
			return nil
		}
		arg.List = append(arg.List, p.tok.str)
		p.next()

		switch p.tok.kind {
		case tokComma:
			p.next()
		case tokRBracket:
			p.next()
			return arg
		default:
			p.unexpected("',' or ']' in string list")
			return nil
		}
	}
}
