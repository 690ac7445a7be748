// Package memsink is an in-process sink that records written events. It backs
// the dry-run CLI and the emitter tests.
package memsink

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

// ErrClosed is returned when writing to a closed provider.
var ErrClosed = errors.New("provider closed")

// Provider records every event written while it is enabled.
type Provider struct {
	Name  string
	ID    uuid.UUID
	Group *uuid.UUID

	enabled atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	events []*sink.Event
}

// NewProvider creates an enabled provider.
func NewProvider(name string, id uuid.UUID, group *uuid.UUID) *Provider {
	p := &Provider{Name: name, ID: id, Group: group}
	p.enabled.Store(true)
	return p
}

// SetEnabled toggles whether a listener is attached.
func (p *Provider) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

func (p *Provider) IsEnabled() bool {
	return p.enabled.Load() && !p.closed.Load()
}

func (p *Provider) WriteEvent(ev *sink.Event) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *Provider) Close() error {
	p.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (p *Provider) Closed() bool {
	return p.closed.Load()
}

// Events returns a snapshot of the recorded events.
func (p *Provider) Events() []*sink.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sink.Event(nil), p.events...)
}

// Factory creates recording providers and remembers them by GUID.
type Factory struct {
	// Disabled makes new providers start without a listener.
	Disabled bool

	mu        sync.Mutex
	providers map[uuid.UUID]*Provider
	created   int
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{providers: make(map[uuid.UUID]*Provider)}
}

// New implements sink.ProviderFactory.
func (f *Factory) New(name string, id uuid.UUID, group *uuid.UUID) (sink.Provider, error) {
	p := NewProvider(name, id, group)
	if f.Disabled {
		p.SetEnabled(false)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[id] = p
	f.created++
	return p, nil
}

// Provider returns the last provider created for id.
func (f *Factory) Provider(id uuid.UUID) (*Provider, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	return p, ok
}

// Created counts providers created so far.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}
