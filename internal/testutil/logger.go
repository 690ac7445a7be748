package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// NewTestLogger creates a debug level logger writing to t.Log, so worker
// logs show up next to a failing test only.
func NewTestLogger(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: &testLogWriter{t: t}, NoColor: true}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
}

// testLogWriter wraps testing.TB to implement io.Writer.
type testLogWriter struct {
	t testing.TB
}

func (w *testLogWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
