// Package errors provides cleanup helpers shared by etwtrace components.
package errors

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// DeferClose closes closer and logs a failure at warn level with msg.
// Use it in defer statements for modules, devices and provider registries
// whose close error has nowhere else to go.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// Recover converts a panic in the calling function into an error wrapping
// kind. Use it as: defer errors.Recover(&err, ErrSomething).
func Recover(errp *error, kind error) {
	if r := recover(); r != nil {
		*errp = &PanicError{Kind: kind, Value: r, Stack: debug.Stack()}
	}
}

// PanicError is a recovered panic.
type PanicError struct {
	Kind  error
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Value)
}

func (e *PanicError) Unwrap() error {
	return e.Kind
}
