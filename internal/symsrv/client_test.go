package symsrv

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/etwtrace/internal/symsrv/module"
	"github.com/coral-mesh/etwtrace/internal/symsrv/protocol"
)

// scripted replies with canned buffers and records requests.
type scripted struct {
	replies  [][]byte
	requests []protocol.Request
	err      error
}

func (s *scripted) RoundTrip(ctx context.Context, raw []byte) ([]byte, error) {
	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		return nil, err
	}
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	rep := s.replies[0]
	s.replies = s.replies[1:]
	return rep, nil
}

func replyBuf(index, rva uint32, names ...string) []byte {
	buf := make([]byte, 128)
	w := protocol.NewReplyWriter(buf)
	for _, n := range names {
		w.AddString(n)
	}
	w.Terminate()
	w.Terminate()
	w.Finish(index, rva, 0, false)
	return buf
}

func doneBuf() []byte {
	buf := make([]byte, protocol.ReplyHeaderSize)
	protocol.SetReplyIndex(buf, protocol.IndexNone)
	return buf
}

func TestClient_FollowsCursor(t *testing.T) {
	rt := &scripted{replies: [][]byte{
		replyBuf(1, 0x10, "A"),
		replyBuf(2, 0x20, "B"),
		doneBuf(),
	}}
	c := NewClient(rt, 0)

	got, err := c.All(context.Background(), Query{ModuleBase: drvBase, Filter: "A*", Kernel: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"B"}, got[1].Names)

	require.Len(t, rt.requests, 3)
	for i, req := range rt.requests {
		assert.Equal(t, uint32(i), req.Index)
		assert.Equal(t, uint64(drvBase), req.ModuleBase)
		assert.Equal(t, "A*", req.Filter)
		assert.True(t, req.Kernel)
	}
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("cursor does not advance", func(t *testing.T) {
		rt := &scripted{replies: [][]byte{replyBuf(1, 0x10, "A"), replyBuf(1, 0x10, "A")}}
		_, err := NewClient(rt, 0).All(ctx, Query{})
		require.ErrorContains(t, err, "did not advance")
	})

	t.Run("round trip fails", func(t *testing.T) {
		boom := errors.New("device gone")
		_, err := NewClient(&scripted{err: boom}, 0).All(ctx, Query{})
		require.ErrorIs(t, err, boom)
	})

	t.Run("short reply", func(t *testing.T) {
		rt := &scripted{replies: [][]byte{{1, 0, 0, 0}}}
		_, err := NewClient(rt, 0).All(ctx, Query{})
		require.ErrorIs(t, err, protocol.ErrShortBuffer)
	})

	t.Run("filter too long", func(t *testing.T) {
		_, err := NewClient(&scripted{}, 32).All(ctx, Query{Filter: strings.Repeat("x", 32)})
		require.ErrorIs(t, err, protocol.ErrShortBuffer)
	})
}

func TestClient_StopEarly(t *testing.T) {
	loader := module.NewMemoryLoader(driverModule("drv", drvBase))
	client, _, _ := startServer(t, loader)

	var names []string
	err := client.Enumerate(context.Background(), Query{ModuleBase: drvBase}, func(f Function) bool {
		names = append(names, f.Names[0])
		return len(names) < 2
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"DriverEntry", "DbgPrintEx"}, names)
}
