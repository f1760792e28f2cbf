package parser

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/migadu/sieve/sieve/ast"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdentifier
	tokTag
	tokNumber
	tokString
	tokSemicolon
	tokComma
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokError
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of script"
	case tokIdentifier:
		return "identifier"
	case tokTag:
		return "tag"
	case tokNumber:
		return "number"
	case tokString:
		return "string"
	case tokSemicolon:
		return "';'"
	case tokComma:
		return "','"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokLBrace:
		return "'{'"
	case tokRBrace:
		return "'}'"
	default:
		return "invalid token"
	}
}

type token struct {
	kind tokenKind
	pos  ast.Position
	str  string
	num  uint64
}

func (t token) describe() string {
	switch t.kind {
	case tokIdentifier:
		return fmt.Sprintf("identifier '%s'", t.str)
	case tokTag:
		return fmt.Sprintf("tag ':%s'", t.str)
	case tokNumber:
		return fmt.Sprintf("number %d", t.num)
	}
	return t.kind.String()
}

var punctuation = map[byte]tokenKind{
	';': tokSemicolon, ',': tokComma,
	'(': tokLParen, ')': tokRParen,
	'[': tokLBracket, ']': tokRBracket,
	'{': tokLBrace, '}': tokRBrace,
}

type lexer struct {
	src  []byte
	pos  int
	line int
	col  int

	maxStringLen int
	errorf       func(pos ast.Position, format string, args ...any)
}

func newLexer(src []byte, maxStringLen int, errorf func(ast.Position, string, ...any)) *lexer {
	return &lexer{src: src, line: 1, col: 1, maxStringLen: maxStringLen, errorf: errorf}
}

func (l *lexer) peekByte(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func (l *lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *lexer) here() ast.Position {
	return ast.Position{Line: l.line, Column: l.col}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// skipWhitespace skips blanks and comments. It reports false when an
// unterminated block comment ran into the end of the script.
func (l *lexer) skipWhitespace() bool {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance()
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance()
			}
		case c == '/' && l.peekByte(1) == '*':
			start := l.here()
			l.advance()
			l.advance()
			for {
				if l.pos >= len(l.src) {
					l.errorf(start, "end of script before end of bracket comment ('*/')")
					return false
				}
				if l.src[l.pos] == '*' && l.peekByte(1) == '/' {
					l.advance()
					l.advance()
					break
				}
				l.advance()
			}
		default:
			return true
		}
	}
	return true
}

func (l *lexer) next() token {
	if !l.skipWhitespace() {
		return token{kind: tokError, pos: l.here()}
	}
	pos := l.here()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: pos}
	}

	c := l.src[l.pos]
	if kind, ok := punctuation[c]; ok {
		l.advance()
		return token{kind: kind, pos: pos}
	}

	switch {
	case c == '"':
		return l.quoted(pos)
	case c == ':':
		l.advance()
		if !isIdentStart(l.peekByte(0)) {
			l.errorf(pos, "missing identifier after ':'")
			return token{kind: tokError, pos: pos}
		}
		return token{kind: tokTag, pos: pos, str: l.identifier()}
	case isDigit(c):
		return l.number(pos)
	case isIdentStart(c):
		ident := l.identifier()
		if ident == "text" && l.peekByte(0) == ':' {
			l.advance()
			return l.multiline(pos)
		}
		return token{kind: tokIdentifier, pos: pos, str: ident}
	}

	l.advance()
	if c < 0x20 || c >= 0x7f {
		l.errorf(pos, "unexpected character 0x%02x", c)
	} else {
		l.errorf(pos, "unexpected character '%c'", c)
	}
	return token{kind: tokError, pos: pos}
}

func (l *lexer) identifier() string {
	start := l.pos
	for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
		l.advance()
	}
	return string(l.src[start:l.pos])
}

func (l *lexer) number(pos ast.Position) token {
	var n uint64
	overflow := false
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		d := uint64(l.advance() - '0')
		if n > (math.MaxUint64-d)/10 {
			overflow = true
		}
		n = n*10 + d
	}

	var shift uint
	switch l.peekByte(0) {
	case 'K', 'k':
		shift = 10
	case 'M', 'm':
		shift = 20
	case 'G', 'g':
		shift = 30
	}
	if shift > 0 {
		l.advance()
		if n > math.MaxUint64>>shift {
			overflow = true
		}
		n <<= shift
	}
	if isIdentChar(l.peekByte(0)) {
		l.errorf(pos, "invalid character '%c' in number", l.peekByte(0))
		l.identifier()
		return token{kind: tokError, pos: pos}
	}
	if overflow {
		l.errorf(pos, "number is too large")
		return token{kind: tokError, pos: pos}
	}
	return token{kind: tokNumber, pos: pos, num: n}
}

func (l *lexer) quoted(pos ast.Position) token {
	l.advance()
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			l.errorf(pos, "end of script before end of string")
			return token{kind: tokError, pos: pos}
		}
		c := l.advance()
		if c == '"' {
			break
		}
		if c == '\\' {
			if l.pos >= len(l.src) {
				continue
			}
			c = l.advance()
		}
		b.WriteByte(c)
		if l.maxStringLen > 0 && b.Len() > l.maxStringLen {
			l.errorf(pos, "string is too long (max %d bytes)", l.maxStringLen)
			l.skipQuoted()
			return token{kind: tokError, pos: pos}
		}
	}
	return token{kind: tokString, pos: pos, str: b.String()}
}

func (l *lexer) skipQuoted() {
	for l.pos < len(l.src) {
		c := l.advance()
		if c == '\\' && l.pos < len(l.src) {
			l.advance()
		} else if c == '"' {
			return
		}
	}
}

// multiline reads a "text:" string. The terminating line is a single "."
// and lines starting with ".." are dot-unstuffed.
func (l *lexer) multiline(pos ast.Position) token {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t') {
		l.advance()
	}
	if l.peekByte(0) == '#' {
		for l.pos < len(l.src) && l.src[l.pos] != '\n' {
			l.advance()
		}
	}
	if l.peekByte(0) == '\r' {
		l.advance()
	}
	if l.peekByte(0) != '\n' {
		l.errorf(pos, "invalid character after 'text:'; expected line break")
		return token{kind: tokError, pos: pos}
	}
	l.advance()

	var b bytes.Buffer
	for {
		if l.pos >= len(l.src) {
			l.errorf(pos, "end of script before end of multi-line string")
			return token{kind: tokError, pos: pos}
		}
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != '\n' {
			l.advance()
		}
		line := l.src[start:l.pos]
		hasNewline := l.pos < len(l.src)
		if hasNewline {
			l.advance()
		}
		trimmed := bytes.TrimSuffix(line, []byte("\r"))
		if string(trimmed) == "." {
			if !hasNewline {
				l.errorf(pos, "end of script before end of multi-line string")
				return token{kind: tokError, pos: pos}
			}
			break
		}
		if bytes.HasPrefix(trimmed, []byte("..")) {
			trimmed = trimmed[1:]
		}
		b.Write(trimmed)
		b.WriteString("\r\n")
		if l.maxStringLen > 0 && b.Len() > l.maxStringLen {
			l.errorf(pos, "string is too long (max %d bytes)", l.maxStringLen)
			l.skipMultiline()
			return token{kind: tokError, pos: pos}
		}
	}
	return token{kind: tokString, pos: pos, str: b.String()}
}

func (l *lexer) skipMultiline() {
	for l.pos < len(l.src) {
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != '\n' {
			l.advance()
		}
		line := bytes.TrimSuffix(l.src[start:l.pos], []byte("\r"))
		if l.pos < len(l.src) {
			l.advance()
		}
		if string(line) == "." {
			return
		}
	}
}
