//go:build windows
// +build windows

// Package winsink writes events to Event Tracing for Windows as TraceLogging
// events.
package winsink

import (
	"fmt"

	"github.com/Microsoft/go-winio/pkg/etw"
	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/google/uuid"

	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

// Provider is a registered TraceLogging provider.
type Provider struct {
	p *etw.Provider
}

// New registers a provider with ETW. It has the sink.ProviderFactory signature.
func New(name string, id uuid.UUID, group *uuid.UUID) (sink.Provider, error) {
	opts := []etw.ProviderOpt{etw.WithID(guid.FromArray(id))}
	if group != nil {
		opts = append(opts, etw.WithGroup(guid.FromArray(*group)))
	}

	p, err := etw.NewProviderWithOptions(name, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to register ETW provider %s: %w", name, err)
	}
	return &Provider{p: p}, nil
}

// Supported reports whether this platform can register ETW providers.
func Supported() bool { return true }

func (p *Provider) IsEnabled() bool {
	return p.p.IsEnabled()
}

func (p *Provider) WriteEvent(ev *sink.Event) error {
	eventOpts := etw.WithEventOpts(
		etw.WithLevel(etw.Level(ev.Level)),
		etw.WithKeyword(ev.Keyword),
	)
	return p.p.WriteEvent(ev.Name, eventOpts, fieldOpts(ev.Fields()))
}

func (p *Provider) Close() error {
	return p.p.Close()
}

func fieldOpts(fields []*sink.Field) []etw.FieldOpt {
	opts := make([]etw.FieldOpt, 0, len(fields))
	for _, f := range fields {
		if f.Struct {
			opts = append(opts, etw.Struct(f.Name, fieldOpts(f.Fields)...))
			continue
		}
		opts = append(opts, fieldOpt(f))
	}
	return opts
}

func fieldOpt(f *sink.Field) etw.FieldOpt {
	switch encodingOf(f.Type) {
	case encBool:
		if v, ok := asUint64(f.Value); ok {
			return etw.BoolField(f.Name, v != 0)
		}
	case encPointer:
		if v, ok := asUint64(f.Value); ok {
			return etw.UintptrField(f.Name, uintptr(v))
		}
	case encString:
		if v, ok := f.Value.(string); ok {
			return etw.StringField(f.Name, v)
		}
	}

	switch v := f.Value.(type) {
	case int8:
		return etw.Int8Field(f.Name, v)
	case uint8:
		return etw.Uint8Field(f.Name, v)
	case int16:
		return etw.Int16Field(f.Name, v)
	case uint16:
		return etw.Uint16Field(f.Name, v)
	case int32:
		return etw.Int32Field(f.Name, v)
	case uint32:
		return etw.Uint32Field(f.Name, v)
	case int64:
		return etw.Int64Field(f.Name, v)
	case uint64:
		return etw.Uint64Field(f.Name, v)
	case float32:
		return etw.Float32Field(f.Name, v)
	case float64:
		return etw.Float64Field(f.Name, v)
	case string:
		return etw.StringField(f.Name, v)
	}
	return etw.SmartField(f.Name, f.Value)
}
