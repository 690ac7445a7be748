// Package transport carries symbol server requests and replies between the
// kernel side and the worker.
//
// A single buffer is shared by both directions: Exchange sends the reply the
// worker wrote into buf during the previous round, then blocks until the next
// request overwrites it. The first Exchange has no reply to send.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCanceled is returned by a pending Exchange after Cancel.
	ErrCanceled = errors.New("exchange canceled")
	// ErrClosed is returned once the transport is closed.
	ErrClosed = errors.New("transport closed")
)

// Transport is the worker side of the request channel.
type Transport interface {
	// Exchange sends the reply held in buf and receives the next request
	// into it, returning the request length.
	Exchange(buf []byte) (int, error)
	// Cancel aborts a pending Exchange. It may fail, in which case the caller
	// retries later.
	Cancel() error
	Close() error
}

// CtlCode builds a device I/O control code.
func CtlCode(deviceType, function, method, access uint32) uint32 {
	return deviceType<<16 | access<<14 | function<<2 | method
}

const (
	fileDeviceUnknown = 0x22
	methodBuffered    = 0
	fileReadWrite     = 0x3
)

// DefaultIOCTL is the control code used to queue a symbol packet when the
// configuration does not name one.
var DefaultIOCTL = CtlCode(fileDeviceUnknown, 0x801, methodBuffered, fileReadWrite)

type message struct {
	seq  uint64
	data []byte
}

// Pipe is an in-memory Transport. RoundTrip plays the kernel side.
type Pipe struct {
	requests chan message
	replies  chan message

	canceled   chan struct{}
	cancelOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once

	// Client side.
	mu  sync.Mutex
	seq uint64

	// Worker side; Exchange is called from one goroutine.
	pending    bool
	pendingSeq uint64
}

var _ Transport = (*Pipe)(nil)

// NewPipe creates a connected in-memory pipe.
func NewPipe() *Pipe {
	return &Pipe{
		requests: make(chan message),
		replies:  make(chan message, 1),
		canceled: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (p *Pipe) Exchange(buf []byte) (int, error) {
	if p.pending {
		p.pending = false
		select {
		case p.replies <- message{seq: p.pendingSeq, data: append([]byte(nil), buf...)}:
		case <-p.canceled:
			return 0, ErrCanceled
		case <-p.closed:
			return 0, ErrClosed
		}
	}

	select {
	case req := <-p.requests:
		n := copy(buf, req.data)
		p.pending = true
		p.pendingSeq = req.seq
		return n, nil
	case <-p.canceled:
		return 0, ErrCanceled
	case <-p.closed:
		return 0, ErrClosed
	}
}

// Cancel aborts the pending and every later Exchange.
func (p *Pipe) Cancel() error {
	p.cancelOnce.Do(func() { close(p.canceled) })
	return nil
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// RoundTrip sends req to the worker and waits for its reply. Replies to
// abandoned round trips are discarded.
func (p *Pipe) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	seq := p.seq

	select {
	case p.requests <- message{seq: seq, data: append([]byte(nil), req...)}:
	case <-p.canceled:
		return nil, ErrCanceled
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		select {
		case rep := <-p.replies:
			if rep.seq != seq {
				continue
			}
			return rep.data, nil
		case <-p.canceled:
			select {
			case rep := <-p.replies:
				if rep.seq == seq {
					return rep.data, nil
				}
			default:
			}
			return nil, ErrCanceled
		case <-p.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
