package binary

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/migadu/sieve/sieve/extension"
	"github.com/migadu/sieve/sieve/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type op string

func (o op) Mnemonic() string { return string(o) }

type obj string

func (o obj) Identifier() string { return string(o) }

type def struct {
	name    string
	ops     []extension.Operation
	objects []extension.ObjectSet
}

func (d *def) Name() string                        { return d.name }
func (d *def) Operations() []extension.Operation   { return d.ops }
func (d *def) Objects() []extension.ObjectSet      { return d.objects }

var octet = obj("i;octet")

func testRegistry(t *testing.T, extra ...string) *extension.Registry {
	t.Helper()
	reg := extension.NewRegistry()
	reg.MustRegister(&def{
		name:    "@core",
		ops:     []extension.Operation{op("JMP"), op("KEEP"), op("HEADER"), op("INCLUDE")},
		objects: []extension.ObjectSet{extension.Single(extension.ClassComparator, octet)},
	})
	reg.MustRegister(&def{name: "fileinto", ops: []extension.Operation{op("FILEINTO")}})
	for _, name := range extra {
		reg.MustRegister(&def{name: name, ops: []extension.Operation{op("X")}})
	}
	reg.Freeze()
	return reg
}

// buildBinary emits: JMP ->end; FILEINTO "Junk"; HEADER opt1:comparator ["subject"] ["x"]; KEEP
func buildBinary(t *testing.T, reg *extension.Registry) *Binary {
	t.Helper()
	b := New(reg)
	src := script.New("main", []byte("keep;"))
	_, blk := b.AddBlock(src.Name, src.Location, src.Fingerprint())

	fi, err := reg.Load("fileinto")
	require.NoError(t, err)
	fiIdx, err := b.ExtensionIndex(fi)
	require.NoError(t, err)
	assert.Equal(t, byte(1), fiIdx)

	e := NewEmitter()
	e.Begin(0, 0)
	patch := e.Address()
	e.Begin(fiIdx, 0)
	e.String("Junk")
	e.Begin(0, 2)
	e.Optional(1)
	e.Object(ObjectRef{Class: extension.ClassComparator, Ext: 0, Code: 0})
	e.StringList([]string{"subject"})
	e.StringList([]string{"x"})
	end := e.Begin(0, 1)
	e.PatchAddress(patch, end)
	require.NoError(t, e.Err())
	blk.Code = e.Bytes()
	return b
}

func TestMarshalLoadRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	b := buildBinary(t, reg)

	data, err := b.Marshal()
	require.NoError(t, err)
	assert.Equal(t, Magic, string(data[:4]))

	loaded, err := Load(data, reg)
	require.NoError(t, err)
	require.Len(t, loaded.Blocks, 1)
	assert.Equal(t, b.Blocks[0].Code, loaded.Blocks[0].Code)
	assert.Equal(t, "main", loaded.Script())
	assert.True(t, loaded.UsesExtension("fileinto"))

	again, err := loaded.Marshal()
	require.NoError(t, err)
	assert.Equal(t, data, again, "canonical encoding is stable")
}

func TestInstructionDecoding(t *testing.T) {
	reg := testRegistry(t)
	b := buildBinary(t, reg)
	code := b.Blocks[0].Code

	in, err := Decode(code, 0)
	require.NoError(t, err)
	addr, err := in.Operands().Address()
	require.NoError(t, err)

	in, err = Decode(code, in.End)
	require.NoError(t, err)
	r := in.Operands()
	_, err = r.Number()
	assert.ErrorIs(t, err, ErrCorrupt, "wrong tag")

	r = in.Operands()
	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "Junk", s)
	_, err = r.String()
	assert.ErrorIs(t, err, ErrCorrupt, "read past instruction")

	in, err = Decode(code, in.End)
	require.NoError(t, err)
	r = in.Operands()
	id, ok, err := r.Optional()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(1), id)
	ref, err := r.Object(extension.ClassComparator)
	require.NoError(t, err)
	cmp, _, err := b.ResolveObject(ref)
	require.NoError(t, err)
	assert.Equal(t, octet, cmp)
	_, ok, err = r.Optional()
	require.NoError(t, err)
	assert.False(t, ok)
	hdrs, err := r.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"subject"}, hdrs)

	assert.Equal(t, uint32(in.End), addr)
}

func TestLoadRejectsCorruption(t *testing.T) {
	reg := testRegistry(t)

	tests := []struct {
		name   string
		mutate func(b *Binary, data []byte) []byte
	}{
		{"bad magic", func(b *Binary, data []byte) []byte {
			data[0] = 'X'
			return data
		}},
		{"wrong version", func(b *Binary, data []byte) []byte {
			binary.BigEndian.PutUint16(data[4:], VersionMajor+1)
			return data
		}},
		{"truncated payload", func(b *Binary, data []byte) []byte {
			return data[:len(data)-3]
		}},
		{"jump past end", func(b *Binary, data []byte) []byte {
			binary.BigEndian.PutUint32(b.Blocks[0].Code[4:], uint32(len(b.Blocks[0].Code)+1))
			return remarshal(t, b)
		}},
		{"jump backwards", func(b *Binary, data []byte) []byte {
			binary.BigEndian.PutUint32(b.Blocks[0].Code[4:], 0)
			return remarshal(t, b)
		}},
		{"jump into operand", func(b *Binary, data []byte) []byte {
			binary.BigEndian.PutUint32(b.Blocks[0].Code[4:], 9)
			return remarshal(t, b)
		}},
		{"unknown operation", func(b *Binary, data []byte) []byte {
			b.Blocks[0].Code[len(b.Blocks[0].Code)-2] = 99
			return remarshal(t, b)
		}},
		{"truncated operand", func(b *Binary, data []byte) []byte {
			b.Blocks[0].Code = b.Blocks[0].Code[:10]
			return remarshal(t, b)
		}},
		{"unknown object", func(b *Binary, data []byte) []byte {
			code := b.Blocks[0].Code
			i := bytes.IndexByte(code, TagObject)
			code[i+3] = 5
			return remarshal(t, b)
		}},
		{"block reference out of range", func(b *Binary, data []byte) []byte {
			e := NewEmitter()
			e.Begin(0, 3)
			e.Block(4)
			b.Blocks[0].Code = e.Bytes()
			return remarshal(t, b)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := buildBinary(t, reg)
			data, err := b.Marshal()
			require.NoError(t, err)
			_, err = Load(tt.mutate(b, data), reg)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func remarshal(t *testing.T, b *Binary) []byte {
	t.Helper()
	data, err := b.Marshal()
	require.NoError(t, err)
	return data
}

func TestLoadRejectsUnloadedExtension(t *testing.T) {
	withExtra := testRegistry(t, "vacation")
	b := New(withExtra)
	_, blk := b.AddBlock("main", "mem:main", nil)
	ext, err := withExtra.Load("vacation")
	require.NoError(t, err)
	idx, err := b.ExtensionIndex(ext)
	require.NoError(t, err)
	e := NewEmitter()
	e.Begin(idx, 0)
	blk.Code = e.Bytes()
	data := remarshal(t, b)

	_, err = Load(data, withExtra)
	require.NoError(t, err)

	_, err = Load(data, testRegistry(t))
	assert.ErrorIs(t, err, ErrCorrupt)
}

type resolver map[string]*script.Script

func (r resolver) Resolve(ctx context.Context, location string) (*script.Script, error) {
	s, ok := r[location]
	if !ok {
		return nil, assert.AnError
	}
	return s, nil
}

func TestUpToDate(t *testing.T) {
	reg := testRegistry(t)
	b := buildBinary(t, reg)
	src := script.New("main", []byte("keep;"))

	assert.True(t, b.UpToDate(*src))

	changed := *src
	changed.Source = []byte("discard;")
	assert.False(t, b.UpToDate(changed))

	moved := *src
	moved.Location = "mem:other"
	assert.False(t, b.UpToDate(moved))

	inc := script.New("inc", []byte("stop;"))
	b.AddBlock(inc.Name, inc.Location, inc.Fingerprint())
	assert.False(t, b.UpToDate(*src), "no resolver for included block")

	withResolver := *src
	withResolver.Resolver = resolver{inc.Location: inc}
	assert.True(t, b.UpToDate(withResolver))

	withResolver.Resolver = resolver{inc.Location: script.New("inc", []byte("keep;"))}
	assert.False(t, b.UpToDate(withResolver))

	b.Blocks[1].Fingerprint = nil
	assert.False(t, b.UpToDate(withResolver), "block without source")
}

func TestDump(t *testing.T) {
	reg := testRegistry(t)
	b := buildBinary(t, reg)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, b))
	out := buf.String()
	assert.Contains(t, out, "Block 0: main (mem:main)")
	assert.Contains(t, out, "JMP -> ")
	assert.Contains(t, out, `FILEINTO "Junk"`)
	assert.Contains(t, out, `HEADER opt1:comparator(i;octet) ["subject"] ["x"]`)
	assert.Contains(t, out, "  1: fileinto")
}
