package sink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []*Event
}

func (r *recorder) IsEnabled() bool { return true }
func (r *recorder) WriteEvent(ev *Event) error {
	r.events = append(r.events, ev)
	return nil
}
func (r *recorder) Close() error { return nil }

func TestEvent_Build(t *testing.T) {
	ev := NewEvent("Open", 4, 0x10)

	ev.AddField("pid", TypeUInt32)
	require.NoError(t, ev.AddValue(uint32(7)))

	ctx := ev.AddStruct("ctx")
	ctx.AddField("path", TypeMbcsString)
	require.NoError(t, ctx.AddString(`C:\x`))
	nested := ctx.AddStruct("flags")
	nested.AddField("ro", TypeBool8)
	require.NoError(t, nested.AddValue(int8(1)))

	ev.AddField("status", TypeNTStatus)
	require.NoError(t, ev.AddValue(uint32(0)))

	var got []string
	Walk(ev.Fields(), func(depth int, f *Field) {
		got = append(got, string(rune('0'+depth))+":"+f.Name)
	})
	assert.Equal(t, []string{"0:pid", "0:ctx", "1:path", "1:flags", "2:ro", "0:status"}, got)

	r := &recorder{}
	require.NoError(t, ev.Write(r))
	assert.Len(t, r.events, 1)
}

func TestEvent_Errors(t *testing.T) {
	ev := NewEvent("Open", 4, 0)
	require.True(t, errors.Is(ev.AddValue(1), ErrNoField))

	ev.AddField("pid", TypeUInt32)
	err := ev.Write(&recorder{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"pid"`)
}

func TestFieldType_String(t *testing.T) {
	tests := []struct {
		t    FieldType
		want string
	}{
		{TypeUInt32, "uint32"},
		{TypeHResult, "hresult"},
		{FieldType(200), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.t.String())
	}
}
