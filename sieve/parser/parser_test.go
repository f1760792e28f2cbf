package parser

import (
	"strings"
	"testing"

	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, src string) (*ast.Script, *diag.Handler) {
	t.Helper()
	eh := diag.NewHandler(0)
	return Parse([]byte(src), "test", eh), eh
}

func TestParseCommands(t *testing.T) {
	src := `require ["fileinto", "envelope"];
# a comment
if header :contains "subject" "[SPAM]" {
	fileinto "Junk"; /* inline */
	stop;
} elsif anyof (exists "x-foo", size :over 100K) {
	discard;
} else {
	keep;
}
`
	s, eh := parse(t, src)
	require.NotNil(t, s, eh.String())
	require.Len(t, s.Commands, 4)

	req := s.Commands[0]
	assert.Equal(t, "require", req.Identifier)
	require.Len(t, req.Args, 1)
	assert.Equal(t, ast.StringList, req.Args[0].Kind)
	assert.Equal(t, []string{"fileinto", "envelope"}, req.Args[0].List)

	ifCmd := s.Commands[1]
	assert.Equal(t, "if", ifCmd.Identifier)
	assert.Equal(t, ast.Position{Line: 3, Column: 1}, ifCmd.Pos)
	require.Len(t, ifCmd.Tests, 1)
	hdr := ifCmd.Tests[0]
	assert.True(t, hdr.IsTest)
	assert.Equal(t, "header", hdr.Identifier)
	require.Len(t, hdr.Args, 3)
	assert.Equal(t, ast.Tag, hdr.Args[0].Kind)
	assert.Equal(t, "contains", hdr.Args[0].Tag)
	assert.Equal(t, "[SPAM]", hdr.Args[2].Str)
	assert.True(t, ifCmd.HasBlock)
	require.Len(t, ifCmd.Block, 2)

	elsif := s.Commands[2]
	require.Len(t, elsif.Tests, 1)
	anyof := elsif.Tests[0]
	require.Len(t, anyof.Tests, 2)
	size := anyof.Tests[1]
	assert.Equal(t, uint64(100*1024), size.Args[1].Num)

	assert.Equal(t, "else", s.Commands[3].Identifier)
}

func TestParseEmptyScript(t *testing.T) {
	s, eh := parse(t, "# nothing here\n")
	require.NotNil(t, s)
	assert.Empty(t, s.Commands)
	assert.Equal(t, 0, eh.Errors())
}

func TestParseStrings(t *testing.T) {
	src := "redirect \"a\\\"b\\\\c\\d\";\n" +
		"reject text: # comment\r\n" +
		"line one\r\n" +
		"..dotted\r\n" +
		".\r\n" +
		";\n"
	s, eh := parse(t, src)
	require.NotNil(t, s, eh.String())
	require.Len(t, s.Commands, 2)
	assert.Equal(t, `a"b\cd`, s.Commands[0].Args[0].Str)
	assert.Equal(t, "line one\r\n.dotted\r\n", s.Commands[1].Args[0].Str)
}

func TestParseNumbers(t *testing.T) {
	tests := []struct {
		src  string
		want uint64
	}{
		{"1", 1},
		{"2K", 2048},
		{"3M", 3 << 20},
		{"1G", 1 << 30},
	}
	for _, tt := range tests {
		s, eh := parse(t, "x "+tt.src+";")
		require.NotNil(t, s, eh.String())
		assert.Equal(t, tt.want, s.Commands[0].Args[0].Num, tt.src)
	}

	s, eh := parse(t, "x 99999999999999999999;")
	assert.Nil(t, s)
	assert.Contains(t, eh.String(), "too large")

	s, eh = parse(t, "x 18014398509481984G;")
	assert.Nil(t, s)
	assert.Contains(t, eh.String(), "too large")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"missing semicolon", "keep", "expecting ';' or '{'"},
		{"unterminated string", `fileinto "Junk`, "end of string"},
		{"unterminated comment", "keep; /* no end", "bracket comment"},
		{"unterminated block", "if true { keep;", "end of command block"},
		{"stray brace", "keep; }", "outside a command block"},
		{"empty list", "x [];", "string in string list"},
		{"bad list", `x ["a" "b"];`, "',' or ']'"},
		{"bad test list", "if anyof (true; false) {}", "',' or ')'"},
		{"unterminated text", "x text:\nfoo\n", "multi-line string"},
		{"text without newline", "x text: foo\n.\n;", "expected line break"},
		{"bad character", "keep; @", "unexpected character '@'"},
		{"bad tag", "x : foo;", "missing identifier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, eh := parse(t, tt.src)
			assert.Nil(t, s)
			require.Greater(t, eh.Errors(), 0)
			assert.Contains(t, eh.String(), tt.msg)
		})
	}
}

func TestParseRecoversAndReportsSeveralErrors(t *testing.T) {
	src := "keep \"a\" [;\nfileinto \"b\" )\n;\ndiscard;\nx 1 2 ]\n;"
	s, eh := parse(t, src)
	assert.Nil(t, s)
	assert.GreaterOrEqual(t, eh.Errors(), 3, eh.String())
}

func TestParseLimits(t *testing.T) {
	deep := strings.Repeat("if true {", 40) + strings.Repeat("}", 40)
	s, eh := parse(t, deep)
	assert.Nil(t, s)
	assert.Contains(t, eh.String(), "nest")

	nested := "if " + strings.Repeat("not ", 40) + "true {}"
	s, eh = parse(t, nested)
	assert.Nil(t, s)
	assert.Contains(t, eh.String(), "nest")

	opts := DefaultOptions
	opts.MaxArguments = 2
	opts.MaxListItems = 2
	eh = diag.NewHandler(0)
	assert.Nil(t, ParseWithOptions([]byte("x 1 2 3;"), "t", eh, opts))
	assert.Contains(t, eh.String(), "too many arguments")

	eh = diag.NewHandler(0)
	assert.Nil(t, ParseWithOptions([]byte(`x ["a","b","c"];`), "t", eh, opts))
	assert.Contains(t, eh.String(), "string list is too long")

	opts.MaxStringLen = 4
	eh = diag.NewHandler(0)
	assert.Nil(t, ParseWithOptions([]byte(`x "abcdef"; y;`), "t", eh, opts))
	assert.Contains(t, eh.String(), "string is too long")
}

func TestParseNeverPanics(t *testing.T) {
	inputs := []string{
		"", ":", "\"", "text:", "text:\n", "[", "(", "{", "}", ")", "]",
		"if", "if (", "if anyof(", "x :", "x [\"a\",", "/*", "1K", "\x00\xff",
		"if true { if false { x", "a ; b ; c ( d",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			Parse([]byte(in), "fuzz", diag.NewHandler(0))
		}, "input %q", in)
	}
}
