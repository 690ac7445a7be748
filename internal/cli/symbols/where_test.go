package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhereFilter(t *testing.T) {
	in := []FunctionRow{
		{RVA: 0x1000, Size: 16, Name: "DriverEntry", Aliases: []string{}, Types: []string{"long", "void*"}},
		{RVA: 0x3000, Name: "FoldedA", Aliases: []string{"FoldedC", "FoldedB"}, VarArgs: true},
		{RVA: 0x5000, Name: "TcpSend"},
	}

	tests := []struct {
		expr string
		want []string
	}{
		{`true`, []string{"DriverEntry", "FoldedA", "TcpSend"}},
		{`varargs`, []string{"FoldedA"}},
		{`name.startsWith("Tcp")`, []string{"TcpSend"}},
		{`rva >= 0x3000 && size == 0`, []string{"FoldedA", "TcpSend"}},
		{`"FoldedB" in aliases`, []string{"FoldedA"}},
		{`signature.size() > 1`, []string{"DriverEntry"}},
		{`name == "missing"`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			wf, err := newWhereFilter(tt.expr)
			require.NoError(t, err)

			out, err := wf.apply(in)
			require.NoError(t, err)

			got := make([]string, 0, len(out))
			for _, r := range out {
				got = append(got, r.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWhereFilter_Errors(t *testing.T) {
	_, err := newWhereFilter(`name ==`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --where expression")

	_, err = newWhereFilter(`unknown > 1`)
	require.Error(t, err)

	wf, err := newWhereFilter(`name`)
	require.NoError(t, err)
	_, err = wf.apply([]FunctionRow{{Name: "DriverEntry"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to a bool")
}
