// Package provider caches registered trace providers by GUID so that every
// descriptor naming the same provider shares one registration.
package provider

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	errs "github.com/coral-mesh/etwtrace/internal/errors"
	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

var (
	// ErrInvalidGUID is returned when the provider GUID cannot be parsed.
	ErrInvalidGUID = errors.New("invalid provider guid")
	// ErrUnavailable is returned when the provider could not be created.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrClosePanic wraps a panic raised while unregistering a provider.
	ErrClosePanic = errors.New("provider close panicked")
)

type entry struct {
	provider sink.Provider
	refs     int
}

// Registry maps provider GUIDs to live providers. It is safe for concurrent
// use.
type Registry struct {
	factory sink.ProviderFactory
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// NewRegistry creates an empty registry creating providers with factory.
func NewRegistry(factory sink.ProviderFactory, logger zerolog.Logger) *Registry {
	return &Registry{
		factory: factory,
		logger:  logger.With().Str("component", "provider_registry").Logger(),
		entries: make(map[uuid.UUID]*entry),
	}
}

// ParseGUID parses a GUID in any of the usual textual forms, with or without
// braces. Comparison happens on the parsed value so case and format do not
// matter.
func ParseGUID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	return id, err == nil
}

// Get returns the provider registered for id, creating it on first use.
// An unparsable group GUID registers the provider without a group.
func (r *Registry) Get(name, id, group string) (sink.Provider, error) {
	return r.get(name, id, group, false)
}

// Acquire is Get plus a reference held by the caller. Every Acquire must be
// paired with a Release.
func (r *Registry) Acquire(name, id, group string) (sink.Provider, error) {
	return r.get(name, id, group, true)
}

func (r *Registry) get(name, id, group string, ref bool) (p sink.Provider, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("provider", name).Msg("provider lookup failed")
			p, err = nil, fmt.Errorf("%w: %v", ErrUnavailable, rec)
		}
	}()

	key, ok := ParseGUID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGUID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		var groupID *uuid.UUID
		if g, ok := ParseGUID(group); ok {
			groupID = &g
		}

		sp, err := r.factory(name, key, groupID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		e = &entry{provider: sp}
		r.entries[key] = e
		r.logger.Debug().
			Str("provider", name).
			Str("guid", key.String()).
			Bool("grouped", groupID != nil).
			Msg("Registered trace provider")
	}

	if ref {
		e.refs++
	}
	return e.provider, nil
}

// Release drops one reference to the provider registered for id. The provider
// is closed when its last reference goes away. Unknown or unparsable GUIDs
// are ignored.
func (r *Registry) Release(id string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("guid", id).Msg("provider release failed")
		}
	}()

	key, ok := ParseGUID(id)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}

	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 {
		return
	}

	delete(r.entries, key)
	if err := closeProvider(e.provider); err != nil {
		r.logger.Warn().Err(err).Str("guid", key.String()).Msg("Failed to close trace provider")
	}
}

// Refs returns the number of references held on the provider for id.
func (r *Registry) Refs(id string) int {
	key, ok := ParseGUID(id)
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of cached providers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every cached provider regardless of outstanding references.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []error
	for key, e := range r.entries {
		if err := closeProvider(e.provider); err != nil {
			failed = append(failed, fmt.Errorf("provider %s: %w", key, err))
		}
		delete(r.entries, key)
	}
	return errors.Join(failed...)
}

func closeProvider(p sink.Provider) (err error) {
	defer errs.Recover(&err, ErrClosePanic)
	return p.Close()
}
