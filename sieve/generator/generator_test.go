package generator_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieve/sieve/ast"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/generator"
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

func parseAndValidate(t *testing.T, reg *extension.Registry, s *script.Script) *ast.Script {
	t.Helper()
	eh := diag.NewHandler(0)
	tree := parser.Parse(s.Source, s.Name, eh)
	require.NotNil(t, tree, "parse: %v", eh.Err())
	require.True(t, validator.New(reg, s, eh, validator.Options{}).Validate(tree), "validate: %v", eh.Err())
	return tree
}

func compile(t *testing.T, reg *extension.Registry, src string) *binary.Binary {
	t.Helper()
	s := script.New("test", []byte(src))
	tree := parseAndValidate(t, reg, s)
	bin, err := generator.New(reg, diag.NewHandler(0)).Generate(tree, s)
	require.NoError(t, err)
	return bin
}

// listing renders block 0 one instruction per line. Jump targets are
// given as instruction indexes; the index one past the last instruction
// is the end of the block.
func listing(t *testing.T, bin *binary.Binary) []string {
	t.Helper()
	blk, ok := bin.Block(0)
	require.True(t, ok)

	var ins []binary.Instruction
	index := make(map[int]int)
	for pc := 0; pc < len(blk.Code); {
		in, err := binary.Decode(blk.Code, pc)
		require.NoError(t, err)
		index[pc] = len(ins)
		ins = append(ins, in)
		pc = in.End
	}
	index[len(blk.Code)] = len(ins)

	out := make([]string, len(ins))
	for i, in := range ins {
		ext, ok := bin.Extension(in.Ext)
		require.True(t, ok)
		op, ok := ext.Operation(in.Op)
		require.True(t, ok)
		line := op.Mnemonic()

		r := in.Operands()
		for r.Remaining() > 0 {
			operand, err := r.Next()
			require.NoError(t, err)
			if operand.Tag == binary.TagAddress {
				target, found := index[int(operand.Addr)]
				require.True(t, found, "jump at %d lands inside an instruction", in.Offset)
				line += fmt.Sprintf(" -> %d", target)
			}
		}
		out[i] = line
	}
	return out
}

func TestGenerateJumpLayout(t *testing.T) {
	reg := newRegistry(t)

	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "straight line",
			script: `keep; discard; stop;`,
			want:   []string{"KEEP", "DISCARD", "STOP"},
		},
		{
			name:   "if",
			script: `if exists "x" { discard; } keep;`,
			want:   []string{"EXISTS", "JMPFALSE -> 3", "DISCARD", "KEEP"},
		},
		{
			name:   "if elsif else chain",
			script: `if exists "a" { keep; } elsif exists "b" { discard; } else { stop; }`,
			want: []string{
				"EXISTS", "JMPFALSE -> 4", "KEEP", "JMP -> 9",
				"EXISTS", "JMPFALSE -> 8", "DISCARD", "JMP -> 9",
				"STOP",
			},
		},
		{
			name:   "elsif without else",
			script: `if exists "a" { keep; } elsif exists "b" { discard; } stop;`,
			want: []string{
				"EXISTS", "JMPFALSE -> 4", "KEEP", "JMP -> 7",
				"EXISTS", "JMPFALSE -> 7", "DISCARD",
				"STOP",
			},
		},
		{
			name:   "not inverts the jump",
			script: `if not exists "a" { keep; }`,
			want:   []string{"EXISTS", "JMPTRUE -> 3", "KEEP"},
		},
		{
			name:   "allof leaves on the first false test",
			script: `if allof (exists "a", exists "b") { keep; }`,
			want:   []string{"EXISTS", "JMPFALSE -> 5", "EXISTS", "JMPFALSE -> 5", "KEEP"},
		},
		{
			name:   "anyof enters on the first true test",
			script: `if anyof (exists "a", exists "b") { keep; }`,
			want:   []string{"EXISTS", "JMPTRUE -> 4", "EXISTS", "JMPFALSE -> 5", "KEEP"},
		},
		{
			name:   "nested test lists",
			script: `if anyof (not exists "a", allof (exists "b", false)) { discard; }`,
			want:   []string{"EXISTS", "JMPFALSE -> 5", "EXISTS", "JMPFALSE -> 6", "JMP -> 6", "DISCARD"},
		},
		{
			name:   "constant true emits no test",
			script: `if true { keep; }`,
			want:   []string{"KEEP"},
		},
		{
			name:   "constant false always jumps",
			script: `if false { keep; } stop;`,
			want:   []string{"JMP -> 2", "KEEP", "STOP"},
		},
		{
			name:   "nested if",
			script: `if exists "a" { if exists "b" { discard; } keep; }`,
			want:   []string{"EXISTS", "JMPFALSE -> 6", "EXISTS", "JMPFALSE -> 5", "DISCARD", "KEEP"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := compile(t, reg, tt.script)
			assert.Equal(t, tt.want, listing(t, bin))
			require.NoError(t, bin.Verify())
		})
	}
}

func TestGenerateExtensionTable(t *testing.T) {
	reg := newRegistry(t)

	bin := compile(t, reg, `keep;`)
	require.Len(t, bin.Extensions, 1)
	assert.True(t, bin.Extensions[0].Hidden(), "index 0 is the core")

	bin = compile(t, reg, `require ["envelope", "fileinto"]; fileinto "Archive";`)
	require.Len(t, bin.Extensions, 2)
	assert.Equal(t, "fileinto", bin.Extensions[1].Name)
	assert.True(t, bin.UsesExtension("fileinto"))
	assert.False(t, bin.UsesExtension("envelope"))
}

func TestGenerateBlockReusesScripts(t *testing.T) {
	reg := newRegistry(t)
	main := script.New("main", []byte(`keep;`))
	lib := script.New("lib", []byte(`discard;`))

	g := generator.New(reg, diag.NewHandler(0))
	bin, err := g.Generate(parseAndValidate(t, reg, main), main)
	require.NoError(t, err)

	idx, err := g.GenerateBlock(parseAndValidate(t, reg, lib), lib)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	again, err := g.GenerateBlock(parseAndValidate(t, reg, lib), lib)
	require.NoError(t, err)
	assert.Equal(t, idx, again)

	self, err := g.GenerateBlock(parseAndValidate(t, reg, main), main)
	require.NoError(t, err)
	assert.Equal(t, 0, self)

	require.Len(t, bin.Blocks, 2)
	assert.Equal(t, "lib", bin.Blocks[1].Name)
	assert.Equal(t, lib.Location, bin.Blocks[1].Location)
}

func TestGenerateBlockWithoutBinary(t *testing.T) {
	reg := newRegistry(t)
	s := script.New("lib", []byte(`keep;`))
	_, err := generator.New(reg, diag.NewHandler(0)).GenerateBlock(parseAndValidate(t, reg, s), s)
	assert.Error(t, err)
}
