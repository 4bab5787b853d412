// Package errors provides the typed failures surfaced by the injector and
// helpers for cleanup paths.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	ProcessNotRunning
	InsufficientPrivileges
	FileError
	UnsupportedArch
	OpenMemoryError
	ReadMemoryError
	WriteMemoryError
	ModuleNotFound
	SymbolNotFound
	RemoteProcessError
	ShellcodeError
	PidNotFound
	// TriggerTimeout reports that no target thread reached the trigger
	// symbol before the wait deadline or context cancellation.
	TriggerTimeout
	// SymbolMismatch reports trigger and sync symbols from different modules.
	SymbolMismatch
	// InvalidState reports an operation on a consumed or failed session.
	InvalidState
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	ProcessNotRunning:      "process not running",
	InsufficientPrivileges: "insufficient privileges",
	FileError:              "file error",
	UnsupportedArch:        "unsupported architecture",
	OpenMemoryError:        "open memory error",
	ReadMemoryError:        "read memory error",
	WriteMemoryError:       "write memory error",
	ModuleNotFound:         "module not found",
	SymbolNotFound:         "symbol not found",
	RemoteProcessError:     "remote process error",
	ShellcodeError:         "shellcode error",
	PidNotFound:            "pid not found",
	TriggerTimeout:         "trigger timeout",
	SymbolMismatch:         "symbol mismatch",
	InvalidState:           "invalid state",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for use with errors.Is. Any *Error of the same Kind matches.
var (
	ErrProcessNotRunning      = &Error{Kind: ProcessNotRunning}
	ErrInsufficientPrivileges = &Error{Kind: InsufficientPrivileges}
	ErrFile                   = &Error{Kind: FileError}
	ErrUnsupportedArch        = &Error{Kind: UnsupportedArch}
	ErrOpenMemory             = &Error{Kind: OpenMemoryError}
	ErrReadMemory             = &Error{Kind: ReadMemoryError}
	ErrWriteMemory            = &Error{Kind: WriteMemoryError}
	ErrModuleNotFound         = &Error{Kind: ModuleNotFound}
	ErrSymbolNotFound         = &Error{Kind: SymbolNotFound}
	ErrRemoteProcess          = &Error{Kind: RemoteProcessError}
	ErrShellcode              = &Error{Kind: ShellcodeError}
	ErrPidNotFound            = &Error{Kind: PidNotFound}
	ErrTriggerTimeout         = &Error{Kind: TriggerTimeout}
	ErrSymbolMismatch         = &Error{Kind: SymbolMismatch}
	ErrInvalidState           = &Error{Kind: InvalidState}
)

// Error is a classified failure. Op names the operation or injection step
// that failed; Err is the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	// A step wrapper around the same kind only prefixes its Op.
	if inner, ok := e.Err.(*Error); ok && inner.Kind == e.Kind && e.Op != "" {
		return e.Op + ": " + inner.Error()
	}

	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an *Error. A nil err is allowed.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Step tags err with the step that failed while keeping its Kind.
func Step(step string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: step, Err: err}
}
