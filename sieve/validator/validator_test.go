package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/parser"
	"github.com/migadu/sieve/sieve/script"
	"github.com/migadu/sieve/sieve/validator"
)

func newRegistry(t *testing.T) *extension.Registry {
	t.Helper()
	reg, err := engine.NewRegistry(nil, nil)
	require.NoError(t, err)
	return reg
}

// validate parses and validates src and returns the validator, the tree
// and the reported error messages.
func validate(t *testing.T, reg *extension.Registry, src string) (*validator.Validator, *ast.Script, []string) {
	t.Helper()
	eh := diag.NewHandler(0)
	tree := parser.Parse([]byte(src), "test", eh)
	require.NotNil(t, tree, "parse: %v", eh.Err())

	v := validator.New(reg, script.New("test", []byte(src)), eh, validator.Options{})
	ok := v.Validate(tree)

	var msgs []string
	for _, d := range eh.Diagnostics() {
		if d.Severity == diag.Error {
			msgs = append(msgs, d.Message)
		}
	}
	assert.Equal(t, len(msgs) == 0, ok, "Validate result disagrees with the diagnostics: %v", msgs)
	return v, tree, msgs
}

func TestValidateErrors(t *testing.T) {
	reg := newRegistry(t)

	tests := []struct {
		name   string
		script string
		errors []string
	}{
		{
			name:   "valid script",
			script: `require "fileinto"; if header :contains "subject" "x" { fileinto "X"; } else { keep; }`,
		},
		{
			name:   "unknown command",
			script: `frobnicate;`,
			errors: []string{"unknown command 'frobnicate'"},
		},
		{
			name:   "command of an extension that was not required",
			script: `fileinto "X";`,
			errors: []string{"unknown command 'fileinto' (the 'fileinto' extension provides it, but it is not required)"},
		},
		{
			name:   "unsupported capability",
			script: `require "frobnicate";`,
			errors: []string{"require command: unsupported sieve capability 'frobnicate'"},
		},
		{
			name:   "require after another command",
			script: `keep; require "fileinto";`,
			errors: []string{"require commands can only be placed at top level at the beginning of the file"},
		},
		{
			name:   "else without if",
			script: `else { keep; }`,
			errors: []string{"the else command must follow an if or elsif command"},
		},
		{
			name:   "size without a relation",
			script: `if size 100 { keep; }`,
			errors: []string{"the size test requires either the :under or the :over tag"},
		},
		{
			name:   "missing positional argument",
			script: `if exists { keep; }`,
			errors: []string{"the exists test expects 1 positional argument(s), but 0 were found"},
		},
		{
			name:   "unexpected positional argument",
			script: `keep "INBOX";`,
			errors: []string{"the keep command expects 0 positional argument(s), but 1 were found"},
		},
		{
			name:   "test used as a command",
			script: `header "subject" "x";`,
			errors: []string{"'header' is a test, not a command"},
		},
		{
			name:   "command used as a test",
			script: `if keep { stop; }`,
			errors: []string{"'keep' is a command, not a test"},
		},
		{
			name:   "conflicting match types",
			script: `if header :is :contains "subject" "x" { stop; }`,
			errors: []string{"the :contains tag of the header test cannot be combined with :is"},
		},
		{
			name:   "numeric comparator with substring match",
			script: `require "comparator-i;ascii-numeric"; if header :comparator "i;ascii-numeric" :contains "x-count" "1" { stop; }`,
			errors: []string{"the :contains match type of the header test requires a comparator that supports substring matching, but 'i;ascii-numeric' does not"},
		},
		{
			name:   "block on a command without one",
			script: `discard { keep; }`,
			errors: []string{"the discard command does not accept a command block"},
		},
		{
			name:   "errors below a failing test are still reported",
			script: `if header :frob "subject" "x" { frobnicate; }`,
			errors: []string{
				"unknown tagged argument ':frob' for the header test",
				"unknown command 'frobnicate'",
			},
		},
		{
			name: "errors in every branch of a test list and its block",
			script: `if anyof (frob, exists) {
  discard;
  frobnicate;
} elsif true {
  redirect 1;
}`,
			errors: []string{
				"unknown test 'frob'",
				"the exists test expects 1 positional argument(s), but 0 were found",
				"unknown command 'frobnicate'",
				"the redirect command expects a string as positional argument 1, but a number was found",
			},
		},
		{
			name:   "errors inside the block of an invalid command",
			script: `discard { frobnicate; }`,
			errors: []string{
				"the discard command does not accept a command block",
				"unknown command 'frobnicate'",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, msgs := validate(t, reg, tt.script)
			require.Len(t, msgs, len(tt.errors), "diagnostics: %v", msgs)
			for i, want := range tt.errors {
				assert.Contains(t, msgs[i], want)
			}
		})
	}
}

func TestValidateAnnotatesNodes(t *testing.T) {
	reg := newRegistry(t)
	_, tree, msgs := validate(t, reg, `if header :matches "subject" "*report*" { keep; }`)
	require.Empty(t, msgs)

	ifNode := tree.Commands[0]
	require.NotNil(t, ifNode.Def)
	header := ifNode.Tests[0]
	assert.Len(t, header.Positional, 2)
	require.Len(t, header.Tagged, 1)

	ov := validator.TaggedObject(header, extension.ClassMatchType)
	require.NotNil(t, ov)
	assert.Equal(t, "matches", ov.Object.Identifier())
	assert.Nil(t, validator.TaggedObject(header, extension.ClassComparator))
}

func TestValidateRecordsUsedExtensions(t *testing.T) {
	reg := newRegistry(t)
	v, _, msgs := validate(t, reg, `require ["fileinto", "envelope"]; fileinto "Archive";`)
	require.Empty(t, msgs)

	var names []string
	for _, ext := range v.UsedExtensions() {
		names = append(names, ext.Name)
	}
	assert.Contains(t, names, "fileinto")
	assert.NotContains(t, names, "envelope", "required but unused extensions are not recorded")
}

func TestValidateNilTree(t *testing.T) {
	reg := newRegistry(t)
	v := validator.New(reg, script.New("test", nil), diag.NewHandler(0), validator.Options{})
	assert.False(t, v.Validate(nil))
}
