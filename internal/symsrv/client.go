package symsrv

import (
	"context"
	"fmt"

	"github.com/coral-mesh/etwtrace/internal/symsrv/protocol"
)

// RoundTripper delivers one request to the server and returns its reply.
// transport.Pipe implements it.
type RoundTripper interface {
	RoundTrip(ctx context.Context, req []byte) ([]byte, error)
}

// Query selects the functions of one module.
type Query struct {
	ModuleBase uint64
	Kernel     bool
	PDB        *protocol.PDBIdentity
	// Filter is a function name; empty or a pattern selects every function.
	Filter string
}

// Function is one enumerated function.
type Function struct {
	RVA     uint32
	Size    uint32
	VarArgs bool
	// Names holds the primary name then the alternates.
	Names []string
	// ParamTypes holds the return type, the this type of methods, then the
	// parameters. It is empty when the signature could not be resolved.
	ParamTypes []string
}

// Client drives the server the way the driver does, following the returned
// cursor until the enumeration is exhausted.
type Client struct {
	rt      RoundTripper
	bufSize int
}

// NewClient creates a client whose requests fit in bufSize bytes.
func NewClient(rt RoundTripper, bufSize int) *Client {
	if bufSize <= protocol.RequestHeaderSize {
		bufSize = protocol.DefaultBufferSize
	}
	return &Client{rt: rt, bufSize: bufSize}
}

// Enumerate calls fn for every function of the query until fn returns false.
func (c *Client) Enumerate(ctx context.Context, q Query, fn func(Function) bool) error {
	buf := make([]byte, c.bufSize)
	index := uint32(0)

	for {
		req := protocol.Request{
			Index:      index,
			ModuleBase: q.ModuleBase,
			Kernel:     q.Kernel,
			PDB:        q.PDB,
			Filter:     q.Filter,
		}
		n, err := req.MarshalTo(buf)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}

		raw, err := c.rt.RoundTrip(ctx, buf[:n])
		if err != nil {
			return err
		}
		rep, err := protocol.DecodeReply(raw)
		if err != nil {
			return fmt.Errorf("decode reply %d: %w", index, err)
		}
		if rep.Done() {
			return nil
		}
		if rep.Index <= index {
			return fmt.Errorf("reply cursor %d did not advance past %d", rep.Index, index)
		}

		if !fn(Function{
			RVA:        rep.RVA,
			Size:       rep.Size,
			VarArgs:    rep.VarArgs,
			Names:      rep.Names,
			ParamTypes: rep.ParamTypes,
		}) {
			return nil
		}
		index = rep.Index
	}
}

// All collects every function of the query.
func (c *Client) All(ctx context.Context, q Query) ([]Function, error) {
	var out []Function
	err := c.Enumerate(ctx, q, func(f Function) bool {
		out = append(out, f)
		return true
	})
	return out, err
}
