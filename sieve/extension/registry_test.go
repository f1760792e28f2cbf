package extension

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedObject string

func (o namedObject) Identifier() string { return string(o) }

type testOp string

func (o testOp) Mnemonic() string { return string(o) }

type testDef struct {
	name     string
	ops      []Operation
	objects  []ObjectSet
	unloaded *[]string
}

func (d *testDef) Name() string              { return d.name }
func (d *testDef) Operations() []Operation   { return d.ops }
func (d *testDef) Objects() []ObjectSet      { return d.objects }
func (d *testDef) Load(*Extension) (any, error) { return "ctx-" + d.name, nil }
func (d *testDef) Unload(*Extension) {
	if d.unloaded != nil {
		*d.unloaded = append(*d.unloaded, d.name)
	}
}

func TestRegistryRegisterAndLoad(t *testing.T) {
	r := NewRegistry()
	core := r.MustRegister(&testDef{name: "@core"})
	fi := r.MustRegister(&testDef{name: "fileinto"})

	assert.Equal(t, 0, core.ID)
	assert.Equal(t, 1, fi.ID)
	assert.Equal(t, "ctx-fileinto", fi.Context)

	got, err := r.Load("fileinto")
	require.NoError(t, err)
	assert.Same(t, fi, got)

	_, err = r.Load("vacation")
	assert.ErrorIs(t, err, ErrNotFound)

	byID, ok := r.ByID(1)
	require.True(t, ok)
	assert.Same(t, fi, byID)
	_, ok = r.ByID(7)
	assert.False(t, ok)

	assert.Equal(t, []string{"fileinto"}, r.Capabilities())
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&testDef{name: "a"})
	_, err := r.Register(&testDef{name: "a"})
	assert.ErrorIs(t, err, ErrDuplicate)

	r.Freeze()
	assert.True(t, r.Frozen())
	_, err = r.Register(&testDef{name: "b"})
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestRegistryUnloadReverseOrder(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.MustRegister(&testDef{name: "a", unloaded: &order})
	r.MustRegister(&testDef{name: "b", unloaded: &order})
	r.MustRegister(&testDef{name: "c", unloaded: &order})

	r.Unload()
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestObjectSets(t *testing.T) {
	numeric := namedObject("i;ascii-numeric")
	single := Single(ClassComparator, numeric)

	code, ok := single.Code(numeric)
	require.True(t, ok)
	assert.Equal(t, uint64(0), code)
	obj, ok := single.Resolve(0)
	require.True(t, ok)
	assert.Equal(t, numeric, obj)
	_, ok = single.Resolve(1)
	assert.False(t, ok)

	user, detail := namedObject("user"), namedObject("detail")
	rng := Range(ClassAddressPart, user, detail)
	code, ok = rng.Code(detail)
	require.True(t, ok)
	assert.Equal(t, uint64(1), code)
	obj, ok = rng.Resolve(1)
	require.True(t, ok)
	assert.Equal(t, detail, obj)
	_, ok = rng.Resolve(2)
	assert.False(t, ok)
	_, ok = rng.Code(numeric)
	assert.False(t, ok)
}

func TestExtensionLookups(t *testing.T) {
	jmp, stop := testOp("JMP"), testOp("STOP")
	user := namedObject("user")
	r := NewRegistry()
	ext := r.MustRegister(&testDef{
		name:    "sub",
		ops:     []Operation{jmp, stop},
		objects: []ObjectSet{Range(ClassAddressPart, user)},
	})

	op, ok := ext.Operation(1)
	require.True(t, ok)
	assert.Equal(t, "STOP", op.Mnemonic())
	_, ok = ext.Operation(2)
	assert.False(t, ok)

	code, ok := ext.OperationCode(jmp)
	require.True(t, ok)
	assert.Equal(t, byte(0), code)

	obj, ok := ext.FindObject(ClassAddressPart, "user")
	require.True(t, ok)
	assert.Equal(t, user, obj)
	_, ok = ext.FindObject(ClassComparator, "user")
	assert.False(t, ok)
	assert.Nil(t, ext.ObjectSet(ClassMatchType))
}
