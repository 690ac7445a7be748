package errors

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type moduleCloser struct {
	err    error
	closed bool
}

func (m *moduleCloser) Close() error {
	m.closed = true
	return m.err
}

func TestDeferClose(t *testing.T) {
	tests := []struct {
		name    string
		closer  *moduleCloser
		wantLog string
	}{
		{name: "nil closer"},
		{name: "clean close", closer: &moduleCloser{}},
		{name: "close error", closer: &moduleCloser{err: errors.New("SymUnloadModule64 failed")}, wantLog: "SymUnloadModule64 failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			var c io.Closer
			if tt.closer != nil {
				c = tt.closer
			}
			DeferClose(logger, c, "failed to close module")

			if tt.closer != nil {
				assert.True(t, tt.closer.closed)
			}
			if tt.wantLog == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), `"level":"warn"`)
			assert.Contains(t, buf.String(), "failed to close module")
			assert.Contains(t, buf.String(), tt.wantLog)
		})
	}
}

func TestRecover(t *testing.T) {
	kind := errors.New("load failed")

	run := func(fn func()) (err error) {
		defer Recover(&err, kind)
		fn()
		return nil
	}

	require.NoError(t, run(func() {}))

	err := run(func() { panic("bad symbol table") })
	require.ErrorIs(t, err, kind)
	assert.Equal(t, "load failed: bad symbol table", err.Error())

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad symbol table", perr.Value)
	assert.NotEmpty(t, perr.Stack)
}
