package config

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/etwtrace/internal/logging"
)

// Bounds enforced by Validate.
const (
	MinDescriptorSize = 48
	MaxDescriptorSize = 1 << 20
	MinBufferSize     = 64
	MaxBufferSize     = 1 << 20
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Validate validates Config.
func (c *Config) Validate() error {
	var errors []ValidationError
	errors = append(errors, c.Logging.validate()...)
	errors = append(errors, c.ETW.validate()...)
	errors = append(errors, c.SymSrv.validate()...)

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}

func (c *LoggingConfig) validate() []ValidationError {
	if _, ok := logging.ParseLevel(c.Level); !ok {
		return []ValidationError{{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", c.Level),
		}}
	}
	return nil
}

func (c *ETWConfig) validate() []ValidationError {
	var errors []ValidationError

	if c.PointerSize != 4 && c.PointerSize != 8 {
		errors = append(errors, ValidationError{
			Field:   "etw.pointer_size",
			Message: fmt.Sprintf("must be 4 or 8, got %d", c.PointerSize),
		})
	}

	if c.MaxDescriptorSize < MinDescriptorSize || c.MaxDescriptorSize > MaxDescriptorSize {
		errors = append(errors, ValidationError{
			Field:   "etw.max_descriptor_size",
			Message: fmt.Sprintf("must be between %d and %d", MinDescriptorSize, MaxDescriptorSize),
		})
	}

	switch c.Sink {
	case SinkMemory, SinkETW:
	default:
		errors = append(errors, ValidationError{
			Field:   "etw.sink",
			Message: fmt.Sprintf("must be %q or %q, got %q", SinkMemory, SinkETW, c.Sink),
		})
	}

	return errors
}

func (c *SymSrvConfig) validate() []ValidationError {
	var errors []ValidationError

	if c.DevicePath == "" {
		errors = append(errors, ValidationError{
			Field:   "symsrv.device_path",
			Message: "device path is required",
		})
	}

	if c.BufferSize < MinBufferSize || c.BufferSize > MaxBufferSize {
		errors = append(errors, ValidationError{
			Field:   "symsrv.buffer_size",
			Message: fmt.Sprintf("must be between %d and %d", MinBufferSize, MaxBufferSize),
		})
	}

	if c.StopPoll <= 0 {
		errors = append(errors, ValidationError{
			Field:   "symsrv.stop_poll",
			Message: "must be positive",
		})
	}

	if c.OpenRetries < 1 {
		errors = append(errors, ValidationError{
			Field:   "symsrv.open_retries",
			Message: "must be at least 1",
		})
	}

	seen := make(map[uint64]bool, len(c.Modules))
	for i, m := range c.Modules {
		field := fmt.Sprintf("symsrv.modules[%d]", i)
		if m.Base == 0 {
			errors = append(errors, ValidationError{Field: field + ".base", Message: "base is required"})
		} else if seen[m.Base] {
			errors = append(errors, ValidationError{Field: field + ".base", Message: fmt.Sprintf("duplicate base 0x%x", m.Base)})
		}
		seen[m.Base] = true
		if m.Path == "" {
			errors = append(errors, ValidationError{Field: field + ".path", Message: "path is required"})
		}
	}

	return errors
}
