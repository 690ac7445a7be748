// Package emitter turns fired trace records into structured events on the
// descriptor's provider.
package emitter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/etwtrace/internal/etw/descriptor"
	"github.com/coral-mesh/etwtrace/internal/etw/provider"
	"github.com/coral-mesh/etwtrace/internal/etw/sink"
	"github.com/coral-mesh/etwtrace/internal/etw/wiretype"
)

var (
	// ErrRecordMismatch is returned when the fired records do not line up
	// with the descriptor's payload array.
	ErrRecordMismatch = errors.New("record mismatch")
	// ErrEmitFailed is returned for unexpected failures while emitting.
	ErrEmitFailed = errors.New("trace emit failed")
)

// Action identifies the action that produced a record.
type Action uint16

// ActionETWTrace is the action of records produced by a trace call.
const ActionETWTrace Action = 0x0a01

// Record locates one payload value in the live buffer.
type Record struct {
	Action Action
	Offset uint32
	Size   uint32
}

// Stats are cumulative emitter counters.
type Stats struct {
	Emitted     uint64
	Skipped     uint64
	Disabled    uint64
	Extractions uint64
	Failed      uint64
}

// Emitter writes events for compiled descriptors.
type Emitter struct {
	types     *wiretype.Registry
	providers *provider.Registry
	logger    zerolog.Logger
	out       io.Writer

	emitted     atomic.Uint64
	skipped     atomic.Uint64
	disabled    atomic.Uint64
	extractions atomic.Uint64
	failed      atomic.Uint64
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithOutput sets where trace diagnostics are printed.
func WithOutput(w io.Writer) Option {
	return func(e *Emitter) {
		e.out = w
	}
}

// New creates an emitter.
func New(types *wiretype.Registry, providers *provider.Registry, logger zerolog.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		types:     types,
		providers: providers,
		logger:    logger.With().Str("component", "etw_emitter").Logger(),
		out:       io.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats returns a snapshot of the counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Emitted:     e.emitted.Load(),
		Skipped:     e.skipped.Load(),
		Disabled:    e.disabled.Load(),
		Extractions: e.extractions.Load(),
		Failed:      e.failed.Load(),
	}
}

// skipError aborts one emit attempt without failing it.
type skipError struct {
	payload string
	reason  string
}

func (s *skipError) Error() string {
	return fmt.Sprintf("payload %q failed %s", s.payload, s.reason)
}

// Emit writes one event for d from the records in recs, whose values live in
// buf. It returns the number of records consumed, which is the payload count
// of d whenever the records match, including when the event is skipped or
// nobody listens to the provider.
func (e *Emitter) Emit(d *descriptor.Descriptor, recs []Record, buf []byte) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.failed.Add(1)
			e.logger.Error().Interface("panic", rec).Msg("Trace emit panicked")
			n, err = 0, fmt.Errorf("%w: %v", ErrEmitFailed, rec)
		}
	}()

	count := d.PayloadCount()
	if count > len(recs) {
		return 0, fmt.Errorf("%w: %d payloads, %d records", ErrRecordMismatch, count, len(recs))
	}
	for i := 0; i < count; i++ {
		if recs[i].Action != ActionETWTrace {
			return 0, fmt.Errorf("%w: record %d has action 0x%04x", ErrRecordMismatch, i, uint16(recs[i].Action))
		}
	}

	group, _ := d.GroupGUID()
	p, perr := e.providers.Get(d.ProviderName(), d.ProviderGUID(), group)
	if perr != nil {
		e.skipped.Add(1)
		e.printf("\nskipping etw trace, the provider is not valid [%q - %s]", d.ProviderName(), d.ProviderGUID())
		return count, nil
	}

	if !p.IsEnabled() {
		e.disabled.Add(1)
		return count, nil
	}

	ev := sink.NewEvent(d.EventName(), d.Level(), d.Keyword())
	w := &walker{e: e, d: d, recs: recs, buf: buf}
	for i := 0; i < count; i++ {
		if d.PayloadTag(i) == wiretype.TagStruct {
			if i, err = w.structAt(ev, i); err != nil {
				break
			}
			continue
		}
		if err = w.add(ev, i); err != nil {
			break
		}
	}

	var skip *skipError
	if errors.As(err, &skip) {
		e.skipped.Add(1)
		e.printf("\netw trace skipped, %s for event %q from provider %q - %q\n",
			skip, d.EventName(), d.ProviderName(), d.ProviderGUID())
		return count, nil
	}
	if err != nil {
		return 0, err
	}

	if err := ev.Write(p); err != nil {
		e.failed.Add(1)
		return 0, fmt.Errorf("%w: %w", ErrEmitFailed, err)
	}

	e.emitted.Add(1)
	e.printf("\nlogged etw trace %q from provider [%q %s]", d.EventName(), d.ProviderName(), d.ProviderGUID())
	return count, nil
}

func (e *Emitter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(e.out, format, args...)
}

type walker struct {
	e    *Emitter
	d    *descriptor.Descriptor
	recs []Record
	buf  []byte
}

func (w *walker) value(i int) ([]byte, error) {
	r := w.recs[i]
	end := uint64(r.Offset) + uint64(r.Size)
	if end > uint64(len(w.buf)) {
		return nil, &skipError{payload: w.d.PayloadName(i), reason: "to be read from the record buffer"}
	}
	return w.buf[r.Offset:end], nil
}

// structAt opens a struct scope for payload idx and fills it with as many
// following payloads as the live struct size says. A nested struct counts as
// one member. It returns the index of the last payload consumed.
func (w *walker) structAt(parent sink.FieldBuilder, idx int) (int, error) {
	scope := parent.AddStruct(w.d.PayloadName(idx))

	r := w.recs[idx]
	if uint64(r.Offset)+4 > uint64(len(w.buf)) {
		return idx, &skipError{payload: w.d.PayloadName(idx), reason: "to be read from the record buffer"}
	}
	size := binary.LittleEndian.Uint32(w.buf[r.Offset:])

	i := idx + 1
	for count := uint32(0); i < w.d.PayloadCount() && count < size; i, count = i+1, count+1 {
		if w.d.PayloadTag(i) == wiretype.TagStruct {
			var err error
			if i, err = w.structAt(scope, i); err != nil {
				return i, err
			}
			continue
		}
		if err := w.add(scope, i); err != nil {
			return i, err
		}
	}
	return i - 1, nil
}

func (w *walker) add(b sink.FieldBuilder, i int) error {
	name := w.d.PayloadName(i)
	entry, ok := w.e.types.Entry(w.d.PayloadTag(i))
	if !ok || entry.Add == nil {
		return &skipError{payload: name, reason: "to be processed"}
	}

	data, err := w.value(i)
	if err != nil {
		return err
	}

	w.e.extractions.Add(1)
	if err := entry.Add(b, name, entry.Type, data); err != nil {
		w.e.logger.Debug().Err(err).Str("payload", name).Msg("Payload extraction failed")
		return &skipError{payload: name, reason: "to be added to the etw trace metadata"}
	}
	return nil
}
