package tp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the LP64 model: char=1, short=2, int=4, long=8, pointers=8
func TestScalarSizes(t *testing.T) {
	d := NewDefs()

	for _, c := range []struct {
		typ  Type
		size int
	}{
		{MakeInt(8, true), 1},
		{MakeInt(16, true), 2},
		{MakeInt(32, true), 4},
		{MakeInt(64, true), 8},
		{Float{Bits: 32}, 4},
		{Float{Bits: 64}, 8},
		{Ptr{X: Void{}}, 8},
		{Enum{Name: "e"}, 4},
		{Array{X: MakeInt(32, true), Len: 3}, 12},
	} {
		s, err := d.Sizeof(c.typ)
		require.NoError(t, err)
		assert.Equal(t, c.size, s, "type %T %+v", c.typ, c.typ)
	}
}

func TestStructLayout(t *testing.T) {
	d := NewDefs()

	d.Structs["p"] = &StructDef{
		Name: "p",
		Fields: []Field{
			{Name: "c", Type: MakeInt(8, true)},
			{Name: "x", Type: MakeInt(32, true)},
			{Name: "y", Type: MakeInt(64, true)},
		},
	}

	sd := d.Structs["p"]

	off, _, err := d.Offsetof(sd, "c")
	require.NoError(t, err)
	assert.Equal(t, 0, off)

	// natural alignment inserts padding after the char
	off, _, err = d.Offsetof(sd, "x")
	require.NoError(t, err)
	assert.Equal(t, 4, off)

	off, ft, err := d.Offsetof(sd, "y")
	require.NoError(t, err)
	assert.Equal(t, 8, off)
	assert.Equal(t, MakeInt(64, true), ft)

	size, err := d.Sizeof(Struct{Name: "p"})
	require.NoError(t, err)
	assert.Equal(t, 16, size)

	a, err := d.Alignof(Struct{Name: "p"})
	require.NoError(t, err)
	assert.Equal(t, 8, a)
}

// packed removes all padding
func TestPackedStruct(t *testing.T) {
	d := NewDefs()

	d.Structs["p"] = &StructDef{
		Name:   "p",
		Packed: true,
		Fields: []Field{
			{Name: "c", Type: MakeInt(8, true)},
			{Name: "x", Type: MakeInt(32, true)},
		},
	}

	off, _, err := d.Offsetof(d.Structs["p"], "x")
	require.NoError(t, err)
	assert.Equal(t, 1, off)

	size, err := d.Sizeof(Struct{Name: "p"})
	require.NoError(t, err)
	assert.Equal(t, 5, size)
}

// aligned(N) rounds the field boundary up
func TestAlignedField(t *testing.T) {
	d := NewDefs()

	d.Structs["p"] = &StructDef{
		Name: "p",
		Fields: []Field{
			{Name: "c", Type: MakeInt(8, true)},
			{Name: "x", Type: MakeInt(32, true), Aligned: 16},
		},
	}

	off, _, err := d.Offsetof(d.Structs["p"], "x")
	require.NoError(t, err)
	assert.Equal(t, 16, off)
}

func TestUnionLayout(t *testing.T) {
	d := NewDefs()

	d.Unions["u"] = &StructDef{
		Name:  "u",
		Union: true,
		Fields: []Field{
			{Name: "i", Type: MakeInt(32, true)},
			{Name: "c", Type: MakeInt(8, true)},
			{Name: "l", Type: MakeInt(64, true)},
		},
	}

	for _, f := range []string{"i", "c", "l"} {
		off, _, err := d.Offsetof(d.Unions["u"], f)
		require.NoError(t, err)
		assert.Equal(t, 0, off)
	}

	size, err := d.Sizeof(Union{Name: "u"})
	require.NoError(t, err)
	assert.Equal(t, 8, size)
}

func TestTypedefResolve(t *testing.T) {
	d := NewDefs()
	d.Typedefs["myint"] = MakeInt(32, true)

	s, err := d.Sizeof(Typedef{Name: "myint"})
	require.NoError(t, err)
	assert.Equal(t, 4, s)

	_, err = d.Sizeof(Typedef{Name: "nope"})
	assert.Error(t, err)
}

func TestQualifiers(t *testing.T) {
	q := Qualified{Qual: Qual{Const: true}, X: Qualified{Qual: Qual{Volatile: true}, X: MakeInt(32, true)}}

	assert.Equal(t, MakeInt(32, true), Unqual(q))
	assert.True(t, QualOf(q).Const)
	assert.True(t, QualOf(q).Volatile)
	assert.False(t, QualOf(q).Restrict)
}
