package wiretype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/etwtrace/internal/etw/argtree"
	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()

	require.Equal(t, 50, r.Len())

	tag, ok := r.Lookup("etw_struct")
	require.True(t, ok)
	assert.Equal(t, TagStruct, tag)

	tag, ok = r.Lookup("etw_uint32")
	require.True(t, ok)
	assert.Equal(t, Tag(10), tag)

	tag, ok = r.Lookup("etw_hresult")
	require.True(t, ok)
	assert.Equal(t, Tag(49), tag)

	_, ok = r.Lookup("not_a_type")
	assert.False(t, ok)
}

func TestRegistry_Name(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < r.Len(); i++ {
		name, ok := r.Name(Tag(i))
		require.True(t, ok)

		tag, ok := r.Lookup(name)
		require.True(t, ok)
		assert.Equal(t, Tag(i), tag, "round trip of %s", name)
	}

	_, ok := r.Name(Tag(r.Len()))
	assert.False(t, ok)
}

func TestRegistry_Compatibility(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name     string
		typeName string
		node     argtree.Node
		want     Compat
	}{
		{"uint32 from int literal", "etw_uint32", argtree.Int(42, 4), Compatible},
		{"uint32 from 8 byte var", "etw_uint32", argtree.Var("arg0", argtree.KindInteger, 8), Incompatible},
		{"uint64 from 8 byte var", "etw_uint64", argtree.Var("arg0", argtree.KindInteger, 8), Compatible},
		{"int8 from string", "etw_int8", argtree.String("x"), Incompatible},
		{"float from int", "etw_float", argtree.Int(1, 4), Compatible},
		{"float from double", "etw_float", argtree.Float(1.5, 8), Incompatible},
		{"double from double", "etw_double", argtree.Float(1.5, 8), Compatible},
		{"string from string", "etw_string", argtree.String("hello"), Compatible},
		{"string from int", "etw_mbcsjson", argtree.Int(1, 4), Incompatible},
		{"struct count", "etw_struct", argtree.Int(2, 4), Compatible},
		{"pointer from 8 bytes", "etw_pointer", argtree.Int(1, 8), Compatible},
		{"widestring unimplemented", "etw_widestring", argtree.String("x"), Unimplemented},
		{"guid unimplemented", "etw_guid", argtree.String("x"), Unimplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, ok := r.Lookup(tt.typeName)
			require.True(t, ok)
			assert.Equal(t, tt.want, r.Compatibility(tag, tt.node))
		})
	}

	assert.Equal(t, InvalidTag, r.Compatibility(Tag(1000), argtree.Int(1, 4)))
}

func TestRegistry_PointerSize(t *testing.T) {
	r32 := NewRegistry(WithPointerSize(4))
	tag, _ := r32.Lookup("etw_pointer")

	assert.Equal(t, Incompatible, r32.Compatibility(tag, argtree.Int(1, 8)))
	assert.Equal(t, Compatible, r32.Compatibility(tag, argtree.Int(1, 4)))

	e, _ := r32.Entry(tag)
	ev := sink.NewEvent("e", 0, 0)
	require.NoError(t, e.Add(ev, "p", e.Type, []byte{1, 0, 0, 0}))
	assert.Equal(t, int32(1), ev.Fields()[0].Value)

	// Unsupported widths keep the default.
	assert.Equal(t, 8, NewRegistry(WithPointerSize(3)).PointerSize())
}

func TestEntry_Add(t *testing.T) {
	r := Default()

	tests := []struct {
		name     string
		typeName string
		data     []byte
		want     any
		wantErr  error
	}{
		{"uint32", "etw_uint32", []byte{42, 0, 0, 0}, uint32(42), nil},
		{"int16 negative", "etw_int16", []byte{0xfe, 0xff}, int16(-2), nil},
		{"narrow record", "etw_uint64", []byte{7}, uint64(7), nil},
		{"float", "etw_float", []byte{0, 0, 0x80, 0x3f}, float32(1), nil},
		{"string stops at nul", "etw_string", []byte("abc\x00junk"), "abc", nil},
		{"empty value", "etw_int32", nil, nil, ErrEmptyValue},
		{"too wide", "etw_int8", []byte{1, 2}, nil, ErrValueTooLarge},
		{"empty string", "etw_string", []byte{}, nil, ErrEmptyValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, ok := r.Lookup(tt.typeName)
			require.True(t, ok)
			e, _ := r.Entry(tag)

			ev := sink.NewEvent("e", 0, 0)
			err := e.Add(ev, "f", e.Type, tt.data)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, ev.Fields())
				return
			}

			require.NoError(t, err)
			require.Len(t, ev.Fields(), 1)
			assert.Equal(t, "f", ev.Fields()[0].Name)
			assert.Equal(t, e.Type, ev.Fields()[0].Type)
			assert.Equal(t, tt.want, ev.Fields()[0].Value)
		})
	}
}

func TestEntry_MetadataOnly(t *testing.T) {
	e, ok := Default().Entry(TagStruct)
	require.True(t, ok)
	assert.Nil(t, e.Add)
	assert.NotNil(t, e.Check)

	tag, _ := Default().Lookup("etw_sid")
	e, _ = Default().Entry(tag)
	assert.Nil(t, e.Add)
	assert.Nil(t, e.Check)
}
