package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

func TestRenderFields(t *testing.T) {
	assert.Equal(t, "No event recorded.\n", RenderFields(nil))

	ev := sink.NewEvent("Evt1", 4, 0x10)
	ev.AddField("pid", sink.TypeUInt32)
	require.NoError(t, ev.AddValue(uint32(7)))
	inner := ev.AddStruct("ctx")
	inner.AddField("flag", sink.TypeUInt8)
	require.NoError(t, inner.AddValue(uint8(1)))
	inner.AddField("who", sink.TypeString)
	require.NoError(t, inner.AddString("hi"))

	want := "Evt1 (level 4, keyword 0x0000000000000010)\n" +
		"├─ pid " + sink.TypeUInt32.String() + " = 7\n" +
		"└─ ctx {2}\n" +
		"  ├─ flag " + sink.TypeUInt8.String() + " = 1\n" +
		"  └─ who " + sink.TypeString.String() + " = hi\n"
	assert.Equal(t, want, RenderFields(ev))
}
