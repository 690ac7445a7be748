package safe

import (
	"math"
	"testing"
)

func TestUint64ToUint32(t *testing.T) {
	tests := []struct {
		name            string
		input           uint64
		expectedValue   uint32
		expectedClamped bool
	}{
		{
			name:            "zero value",
			input:           0,
			expectedValue:   0,
			expectedClamped: false,
		},
		{
			name:            "function rva",
			input:           0x1a2b30,
			expectedValue:   0x1a2b30,
			expectedClamped: false,
		},
		{
			name:            "max uint32 value",
			input:           math.MaxUint32,
			expectedValue:   math.MaxUint32,
			expectedClamped: false,
		},
		{
			name:            "max uint32 plus one (overflow)",
			input:           math.MaxUint32 + 1,
			expectedValue:   math.MaxUint32,
			expectedClamped: true,
		},
		{
			name:            "kernel address (overflow)",
			input:           0xfffff80012345678,
			expectedValue:   math.MaxUint32,
			expectedClamped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, clamped := Uint64ToUint32(tt.input)
			if value != tt.expectedValue {
				t.Errorf("Uint64ToUint32(%d) value = %d, expected %d", tt.input, value, tt.expectedValue)
			}
			if clamped != tt.expectedClamped {
				t.Errorf("Uint64ToUint32(%d) clamped = %v, expected %v", tt.input, clamped, tt.expectedClamped)
			}
		})
	}
}

func TestIntToUint32(t *testing.T) {
	tests := []struct {
		name            string
		input           int
		expectedValue   uint32
		expectedClamped bool
	}{
		{"zero", 0, 0, false},
		{"positive", 4096, 4096, false},
		{"negative", -1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, clamped := IntToUint32(tt.input)
			if value != tt.expectedValue || clamped != tt.expectedClamped {
				t.Errorf("IntToUint32(%d) = (%d, %v), expected (%d, %v)",
					tt.input, value, clamped, tt.expectedValue, tt.expectedClamped)
			}
		})
	}
}
