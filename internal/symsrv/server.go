// Package symsrv implements the user mode symbol server for function
// boundary tracing. The driver asks for the functions of a loaded module one
// at a time; the server answers with each function's address, size, names
// and rendered parameter types.
package symsrv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	errs "github.com/coral-mesh/etwtrace/internal/errors"
	"github.com/coral-mesh/etwtrace/internal/safe"
	"github.com/coral-mesh/etwtrace/internal/symsrv/module"
	"github.com/coral-mesh/etwtrace/internal/symsrv/protocol"
	"github.com/coral-mesh/etwtrace/internal/symsrv/transport"
	"github.com/coral-mesh/etwtrace/internal/symsrv/typeinfo"
)

// ErrLoadPanic wraps a panic raised while loading a module.
var ErrLoadPanic = errors.New("module load panicked")

// KernelModuleName is the module name reported for the kernel image.
const KernelModuleName = "nt"

const defaultStopPoll = 100 * time.Millisecond

// Option configures a Server.
type Option func(*Server)

// WithBufferSize sets the exchange buffer size.
func WithBufferSize(n int) Option {
	return func(s *Server) {
		if n > protocol.ReplyHeaderSize {
			s.bufSize = n
		}
	}
}

// WithStopPoll sets how long Stop waits for the worker before retrying a
// failed cancellation.
func WithStopPoll(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.stopPoll = d
		}
	}
}

// Stats counts worker activity.
type Stats struct {
	Requests uint64
	Replies  uint64
	Reloads  uint64
	Failures uint64
	Skipped  uint64
}

// Server is the symbol server worker.
type Server struct {
	tr       transport.Transport
	loader   module.Loader
	logger   zerolog.Logger
	bufSize  int
	stopPoll time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	exiting atomic.Bool

	requests, replies, reloads, failures, skipped atomic.Uint64

	// Worker state, owned by the run goroutine.
	loadedBase uint64
	filter     string
	cache      *functionCache
}

// NewServer creates a worker answering requests from tr with modules from
// loader.
func NewServer(tr transport.Transport, loader module.Loader, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		tr:       tr,
		loader:   loader,
		logger:   logger.With().Str("component", "symsrv").Logger(),
		bufSize:  protocol.DefaultBufferSize,
		stopPoll: defaultStopPoll,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the worker in a goroutine until Stop is called or the transport
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.logger.Info().Int("buffer_size", s.bufSize).Msg("Starting symbol server")

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.exiting.Store(false)
	s.running = true

	go s.run(ctx)
	return nil
}

// Stop asks the worker to exit and waits for it. A pending exchange is
// canceled; when cancellation fails the worker is polled and cancellation
// retried.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info().Msg("Stopping symbol server")

	s.exiting.Store(true)
	s.cancel()

wait:
	for {
		err := s.tr.Cancel()
		if err == nil {
			<-s.done
			break
		}
		s.logger.Debug().Err(err).Msg("Failed to cancel pending exchange")

		select {
		case <-s.done:
			break wait
		case <-time.After(s.stopPoll):
		}
	}

	s.running = false
	return nil
}

// Done is closed when the worker exits.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stats returns a snapshot of the worker counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests: s.requests.Load(),
		Replies:  s.replies.Load(),
		Reloads:  s.reloads.Load(),
		Failures: s.failures.Load(),
		Skipped:  s.skipped.Load(),
	}
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	buf := make([]byte, s.bufSize)
	for !s.exiting.Load() {
		n, err := s.tr.Exchange(buf)
		if err != nil {
			if !errors.Is(err, transport.ErrCanceled) && !errors.Is(err, transport.ErrClosed) {
				s.logger.Error().Err(err).Msg("Exchange failed, symbol server exiting")
			}
			return
		}
		s.serve(ctx, buf, n)
	}
}

// serve answers the request in buf[:n] in place.
func (s *Server) serve(ctx context.Context, buf []byte, n int) {
	req, err := protocol.DecodeRequest(buf[:n])
	if err != nil {
		s.logger.Warn().Err(err).Int("length", n).Msg("Dropping malformed request")
		if len(buf) >= 4 {
			protocol.SetReplyIndex(buf, protocol.IndexNone)
		}
		return
	}
	if req.Idle() {
		return
	}

	s.requests.Add(1)
	protocol.SetReplyIndex(buf, protocol.IndexNone)

	index := req.Index
	filter := req.Filter
	if isGlob(filter) {
		filter = ""
	}
	filterChanged := filter != s.filter
	s.filter = filter

	if s.loadedBase != req.ModuleBase || filterChanged || s.cache.len() == 0 {
		s.reloads.Add(1)
		s.cache = nil
		s.loadedBase = req.ModuleBase
		index = 0

		cache, err := s.load(ctx, req)
		if err != nil {
			s.failures.Add(1)
			ev := s.logger.Warn()
			var perr *errs.PanicError
			if errors.As(err, &perr) {
				ev = s.logger.Error().Bytes("stack", perr.Stack)
			}
			ev.Err(err).
				Str("base", fmt.Sprintf("0x%x", req.ModuleBase)).
				Msg("Failed to load module functions")
			return
		}
		s.cache = cache
	}

	if index == 0 {
		s.cache.rewind()
	}
	s.reply(buf, index)
}

// reply writes the next function matching the filter, skipping those that do
// not fit the buffer. Without one the reply keeps IndexNone.
func (s *Server) reply(buf []byte, index uint32) {
	c := s.cache
	for ; c.cursor < len(c.order); c.cursor++ {
		f := c.order[c.cursor]
		if s.filter != "" && !f.hasName(s.filter) {
			continue
		}

		w := protocol.NewReplyWriter(buf)
		for _, name := range f.names() {
			w.AddString(name)
		}
		w.Terminate()
		for _, t := range f.sig.Types {
			w.AddString(t)
		}
		w.Terminate()

		if w.Overflow() {
			s.skipped.Add(1)
			s.logger.Debug().Str("function", f.name).Int("names", 1+len(f.alt)).Msg("Function does not fit the reply, skipping")
			continue
		}

		w.Finish(index+1, f.rva, f.size, f.sig.VarArgs)
		s.replies.Add(1)
		c.cursor++
		return
	}
}

// load enumerates the functions of the module at req.ModuleBase.
func (s *Server) load(ctx context.Context, req protocol.Request) (_ *functionCache, err error) {
	defer errs.Recover(&err, ErrLoadPanic)

	m, err := s.loader.Load(ctx, req.ModuleBase, req.PDB)
	if err != nil {
		return nil, err
	}
	defer errs.DeferClose(s.logger, m, "Failed to unload module")

	info := m.Info()
	if req.PDB != nil && (info.PDB == nil || *info.PDB != *req.PDB) {
		got := "none"
		if info.PDB != nil {
			got = info.PDB.String()
		}
		return nil, fmt.Errorf("%w: %s built with %s, want %s", module.ErrPDBMismatch, info.Name, got, req.PDB)
	}

	name := moduleName(info.Name, req.Kernel)
	mask := s.filter
	if mask == "" {
		mask = "*"
	}

	resolver := typeinfo.NewResolver(m.Types(), name)
	signature := func(typeIndex uint32) func() typeinfo.Signature {
		return func() typeinfo.Signature {
			sig, _ := resolver.LoadParamTypes(typeIndex)
			return sig
		}
	}

	cache := newFunctionCache()
	err = m.EnumSymbols(mask, func(sym module.Symbol) bool {
		if !sym.IsFunction() || sym.Address < sym.ModBase {
			return true
		}
		rva, clamped := safe.Uint64ToUint32(sym.Address - sym.ModBase)
		if clamped {
			return true
		}
		cache.add(rva, sym.Size, sym.Name, signature(sym.TypeIndex), true)
		return true
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("module", name).Msg("Failed to enumerate symbols")
	}

	blocks, err := m.CodeBlocks()
	if err != nil {
		s.logger.Warn().Err(err).Str("module", name).Msg("Failed to read code blocks")
	}
	for _, rva := range blocks {
		cache.add(rva, 0, fmt.Sprintf("+0x%08x", rva), signature(0), false)
	}

	cache.seal()
	s.logger.Debug().
		Str("module", name).
		Str("mask", mask).
		Int("functions", cache.len()).
		Msg("Loaded module functions")
	return cache, nil
}

// moduleName maps the kernel image to its conventional name.
func moduleName(name string, kernel bool) string {
	if kernel || strings.EqualFold(name, "ntoskrnl") || strings.EqualFold(name, "ntkrnlmp") {
		return KernelModuleName
	}
	return name
}

// isGlob reports whether a filter is a pattern rather than a function name.
// Empty and pattern filters both select every function.
func isGlob(filter string) bool {
	return filter == "" || strings.ContainsAny(filter, `*?[\`)
}
