package emitter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/etwtrace/internal/etw/argtree"
	"github.com/coral-mesh/etwtrace/internal/etw/descriptor"
	"github.com/coral-mesh/etwtrace/internal/etw/provider"
	"github.com/coral-mesh/etwtrace/internal/etw/sink"
	"github.com/coral-mesh/etwtrace/internal/etw/sink/memsink"
	"github.com/coral-mesh/etwtrace/internal/etw/wiretype"
)

const testGUID = "{11111111-1111-1111-1111-111111111111}"

type fixture struct {
	factory  *memsink.Factory
	registry *provider.Registry
	builder  *descriptor.Builder
	out      *bytes.Buffer
	emitter  *Emitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{factory: memsink.NewFactory(), out: &bytes.Buffer{}}
	f.registry = provider.NewRegistry(f.factory.New, zerolog.Nop())
	f.builder = descriptor.NewBuilder(wiretype.Default(), f.registry)
	f.emitter = New(wiretype.Default(), f.registry, zerolog.Nop(), WithOutput(f.out))
	return f
}

func (f *fixture) build(t *testing.T, payload ...*argtree.Value) *descriptor.Descriptor {
	t.Helper()
	args := append([]*argtree.Value{
		argtree.String("TestProv"),
		argtree.String(testGUID),
		argtree.String("Evt1"),
		argtree.Int(4, 4),
		argtree.Int(0x10, 4),
	}, payload...)

	d, err := f.builder.Build(argtree.NewCall("etw_trace", args...))
	require.NoError(t, err)
	t.Cleanup(d.Destroy)
	return d
}

func (f *fixture) provider(t *testing.T) *memsink.Provider {
	t.Helper()
	p, ok := f.factory.Provider(uuid.MustParse(testGUID))
	require.True(t, ok)
	return p
}

// layout packs values back to back and returns the matching records.
func layout(values ...[]byte) ([]Record, []byte) {
	var buf []byte
	recs := make([]Record, 0, len(values))
	for _, v := range values {
		recs = append(recs, Record{Action: ActionETWTrace, Offset: uint32(len(buf)), Size: uint32(len(v))})
		buf = append(buf, v...)
	}
	return recs, buf
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}

func TestEmit_Scalars(t *testing.T) {
	f := newFixture(t)
	d := f.build(t,
		argtree.String("etw_uint32"), argtree.String("val"), argtree.Int(0, 4),
		argtree.String("etw_string"), argtree.String("who"), argtree.String(""),
		argtree.String("etw_int8"), argtree.String("small"), argtree.Int(0, 1),
	)

	recs, buf := layout(u32(42), cstr("hi"), []byte{0xff})
	n, err := f.emitter.Emit(d, recs, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events := f.provider(t).Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "Evt1", ev.Name)
	assert.Equal(t, uint8(4), ev.Level)
	assert.Equal(t, uint64(0x10), ev.Keyword)

	fields := ev.Fields()
	require.Len(t, fields, 3)
	assert.Equal(t, "val", fields[0].Name)
	assert.Equal(t, sink.TypeUInt32, fields[0].Type)
	assert.Equal(t, uint32(42), fields[0].Value)
	assert.Equal(t, "hi", fields[1].Value)
	assert.Equal(t, int8(-1), fields[2].Value)

	stats := f.emitter.Stats()
	assert.Equal(t, uint64(1), stats.Emitted)
	assert.Equal(t, uint64(3), stats.Extractions)
	assert.Contains(t, f.out.String(), `logged etw trace "Evt1" from provider ["TestProv"`)
}

func TestEmit_DisabledProvider(t *testing.T) {
	f := newFixture(t)
	f.factory.Disabled = true
	d := f.build(t,
		argtree.String("etw_uint32"), argtree.String("a"), argtree.Int(0, 4),
		argtree.String("etw_uint64"), argtree.String("b"), argtree.Int(0, 8),
	)

	recs, buf := layout(u32(1), u64(2))
	n, err := f.emitter.Emit(d, recs, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats := f.emitter.Stats()
	assert.Equal(t, uint64(1), stats.Disabled)
	assert.Zero(t, stats.Extractions)
	assert.Zero(t, stats.Emitted)
	assert.Empty(t, f.provider(t).Events())
	assert.Empty(t, f.out.String())
}

func TestEmit_RecordMismatch(t *testing.T) {
	f := newFixture(t)
	d := f.build(t,
		argtree.String("etw_uint32"), argtree.String("a"), argtree.Int(0, 4),
		argtree.String("etw_uint32"), argtree.String("b"), argtree.Int(0, 4),
	)

	t.Run("too few records", func(t *testing.T) {
		recs, buf := layout(u32(1))
		n, err := f.emitter.Emit(d, recs, buf)
		require.ErrorIs(t, err, ErrRecordMismatch)
		assert.Zero(t, n)
	})

	t.Run("wrong action", func(t *testing.T) {
		recs, buf := layout(u32(1), u32(2))
		recs[1].Action = 0x0001
		_, err := f.emitter.Emit(d, recs, buf)
		require.ErrorIs(t, err, ErrRecordMismatch)
	})

	t.Run("extra records are ignored", func(t *testing.T) {
		recs, buf := layout(u32(1), u32(2), u32(3))
		n, err := f.emitter.Emit(d, recs, buf)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestEmit_NestedStructs(t *testing.T) {
	f := newFixture(t)
	d := f.build(t,
		argtree.String("etw_struct"), argtree.String("outer"), argtree.Int(2, 4),
		argtree.String("etw_int32"), argtree.String("a"), argtree.Int(0, 4),
		argtree.String("etw_struct"), argtree.String("inner"), argtree.Int(1, 4),
		argtree.String("etw_int8"), argtree.String("b"), argtree.Int(0, 1),
		argtree.String("etw_uint64"), argtree.String("after"), argtree.Int(0, 8),
	)

	recs, buf := layout(u32(2), u32(7), u32(1), []byte{3}, u64(9))
	n, err := f.emitter.Emit(d, recs, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	events := f.provider(t).Events()
	require.Len(t, events, 1)

	type visit struct {
		depth int
		name  string
	}
	var got []visit
	sink.Walk(events[0].Fields(), func(depth int, fld *sink.Field) {
		got = append(got, visit{depth, fld.Name})
	})
	assert.Equal(t, []visit{
		{0, "outer"},
		{1, "a"},
		{1, "inner"},
		{2, "b"},
		{0, "after"},
	}, got)
	assert.Equal(t, uint64(3), f.emitter.Stats().Extractions)
}

func TestEmit_EmptyStruct(t *testing.T) {
	f := newFixture(t)
	d := f.build(t,
		argtree.String("etw_struct"), argtree.String("s"), argtree.Int(0, 4),
		argtree.String("etw_uint32"), argtree.String("top"), argtree.Int(0, 4),
	)

	recs, buf := layout(u32(0), u32(5))
	_, err := f.emitter.Emit(d, recs, buf)
	require.NoError(t, err)

	fields := f.provider(t).Events()[0].Fields()
	require.Len(t, fields, 2)
	assert.True(t, fields[0].Struct)
	assert.Empty(t, fields[0].Fields)
	assert.Equal(t, "top", fields[1].Name)
}

func TestEmit_Skips(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(recs []Record)
		message string
	}{
		{
			name:    "zero length value",
			mutate:  func(recs []Record) { recs[0].Size = 0 },
			message: `payload "val" failed to be added to the etw trace metadata`,
		},
		{
			name:    "value wider than type",
			mutate:  func(recs []Record) { recs[0].Size = 8 },
			message: `payload "val" failed to be added to the etw trace metadata`,
		},
		{
			name:    "value outside buffer",
			mutate:  func(recs []Record) { recs[0].Offset = 1 << 20 },
			message: `payload "val" failed to be read from the record buffer`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.build(t, argtree.String("etw_uint32"), argtree.String("val"), argtree.Int(0, 4))

			recs, buf := layout(u64(42))
			recs[0].Size = 4
			tt.mutate(recs)

			n, err := f.emitter.Emit(d, recs, buf)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Empty(t, f.provider(t).Events())
			assert.Equal(t, uint64(1), f.emitter.Stats().Skipped)
			assert.Contains(t, f.out.String(), tt.message)
			assert.Contains(t, f.out.String(), `for event "Evt1" from provider "TestProv"`)
		})
	}
}

func TestEmit_MetadataOnlyType(t *testing.T) {
	f := newFixture(t)
	d := f.build(t, argtree.String("etw_uint32"), argtree.String("val"), argtree.Int(0, 4))

	// Retag the payload as a metadata-only type, which no call can compile.
	guidTag, ok := wiretype.Default().Lookup("etw_guid")
	require.True(t, ok)

	blob, err := d.MarshalBinary()
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(blob[descriptor.HeaderSize:], uint32(guidTag))
	binary.LittleEndian.PutUint64(blob[40:], xxh3.Hash(blob[descriptor.HeaderSize:]))

	retagged, err := descriptor.Rehydrate(blob)
	require.NoError(t, err)

	recs, buf := layout(u32(1))
	n, err := f.emitter.Emit(retagged, recs, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, f.out.String(), `payload "val" failed to be processed`)
	assert.Zero(t, f.emitter.Stats().Extractions)
}

func TestEmit_UnavailableProvider(t *testing.T) {
	f := newFixture(t)
	d := f.build(t, argtree.String("etw_uint32"), argtree.String("val"), argtree.Int(0, 4))

	failing := provider.NewRegistry(func(string, uuid.UUID, *uuid.UUID) (sink.Provider, error) {
		return nil, errors.New("registration refused")
	}, zerolog.Nop())
	var out bytes.Buffer
	e := New(wiretype.Default(), failing, zerolog.Nop(), WithOutput(&out))

	recs, buf := layout(u32(1))
	n, err := e.Emit(d, recs, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, out.String(), "skipping etw trace, the provider is not valid")
	assert.Equal(t, uint64(1), e.Stats().Skipped)
}

type faultyProvider struct {
	panicOnEnabled bool
}

func (p *faultyProvider) IsEnabled() bool {
	if p.panicOnEnabled {
		panic("provider state corrupted")
	}
	return true
}

func (p *faultyProvider) WriteEvent(*sink.Event) error { return errors.New("write refused") }
func (p *faultyProvider) Close() error                 { return nil }

func TestEmit_Failures(t *testing.T) {
	tests := []struct {
		name     string
		provider *faultyProvider
	}{
		{name: "panic is recovered", provider: &faultyProvider{panicOnEnabled: true}},
		{name: "sink write fails", provider: &faultyProvider{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.build(t, argtree.String("etw_uint32"), argtree.String("val"), argtree.Int(0, 4))

			reg := provider.NewRegistry(func(string, uuid.UUID, *uuid.UUID) (sink.Provider, error) {
				return tt.provider, nil
			}, zerolog.Nop())
			e := New(wiretype.Default(), reg, zerolog.Nop())

			recs, buf := layout(u32(1))
			n, err := e.Emit(d, recs, buf)
			require.ErrorIs(t, err, ErrEmitFailed)
			assert.Zero(t, n)
			assert.Equal(t, uint64(1), e.Stats().Failed)
		})
	}
}
