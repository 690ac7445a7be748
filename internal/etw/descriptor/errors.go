package descriptor

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMem is returned when a descriptor would exceed the configured
	// maximum size.
	ErrNoMem = errors.New("out of memory")
	// ErrCorrupt is returned when a serialized descriptor is malformed.
	ErrCorrupt = errors.New("corrupt trace descriptor")
)

// Code classifies build diagnostics.
type Code string

const (
	CodeParams      Code = "D_ETW_TRACE_PARAMS"
	CodePName       Code = "D_ETW_TRACE_PNAME"
	CodePGUID       Code = "D_ETW_TRACE_PGUID"
	CodeEName       Code = "D_ETW_TRACE_ENAME"
	CodeLevel       Code = "D_ETW_TRACE_LEVEL"
	CodeKeyword     Code = "D_ETW_TRACE_KEYWORD"
	CodePayload     Code = "D_ETW_TRACE_PAYLOAD"
	CodePayloadType Code = "D_ETW_TRACE_PAYLOADTYPE"
)

// BuildError is a compile time diagnostic for a malformed trace call. Arg is
// the 1-based ordinal of the offending argument, or 0 when the error concerns
// the call as a whole.
type BuildError struct {
	Call string
	Arg  int
	Code Code
	Msg  string
}

func (e *BuildError) Error() string {
	if e.Arg == 0 {
		return fmt.Sprintf("[%s] %s( ) %s", e.Code, e.Call, e.Msg)
	}
	return fmt.Sprintf("[%s] %s( ) argument #%d %s", e.Code, e.Call, e.Arg, e.Msg)
}

func buildErr(call string, arg int, code Code, format string, args ...any) error {
	return &BuildError{Call: call, Arg: arg, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a BuildError with the given code.
func IsCode(err error, code Code) bool {
	var be *BuildError
	return errors.As(err, &be) && be.Code == code
}
