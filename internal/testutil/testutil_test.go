package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingTB struct {
	testing.TB
	logs []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Log(args ...any) {
	for _, a := range args {
		r.logs = append(r.logs, a.(string))
	}
}

func TestNewTestLogger(t *testing.T) {
	rec := &recordingTB{TB: t}
	logger := NewTestLogger(rec)

	logger.Debug().Str("component", "symsrv").Msg("Loaded image")
	logger.Trace().Msg("hidden")

	if assert.Len(t, rec.logs, 1) {
		assert.Contains(t, rec.logs[0], "Loaded image")
		assert.Contains(t, rec.logs[0], "component=symsrv")
	}
}

func TestNewTestContext(t *testing.T) {
	ctx := NewTestContext(t)
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.False(t, deadline.IsZero())
	assert.NoError(t, ctx.Err())
}
