package winsink

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

func TestEncodingOf(t *testing.T) {
	tests := []struct {
		typ  sink.FieldType
		want encoding
	}{
		{sink.TypeBool8, encBool},
		{sink.TypeBool32, encBool},
		{sink.TypeIntPtr, encPointer},
		{sink.TypeUIntPtr, encPointer},
		{sink.TypePointer, encPointer},
		{sink.TypeMbcsString, encString},
		{sink.TypeMbcsJson, encString},
		{sink.TypeInt32, encValue},
		{sink.TypeHexInt64, encValue},
		{sink.TypeHResult, encValue},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, encodingOf(tt.typ))
		})
	}
}

func TestAsUint64(t *testing.T) {
	tests := []struct {
		in   any
		want uint64
		ok   bool
	}{
		{int8(-1), 0xff, true},
		{int16(-1), 0xffff, true},
		{int32(-1), 0xffffffff, true},
		{int64(-1), 0xffffffffffffffff, true},
		{uint32(7), 7, true},
		{"7", 0, false},
		{1.5, 0, false},
	}

	for _, tt := range tests {
		got, ok := asUint64(tt.in)
		assert.Equal(t, tt.ok, ok, "%T %v", tt.in, tt.in)
		assert.Equal(t, tt.want, got, "%T %v", tt.in, tt.in)
	}
}
