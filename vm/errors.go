package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Fatal invariant violations
// ---------------------------------------------------------------------------

// FatalError is panicked when a compiler or ABI invariant is broken: an
// out-of-range reference index, locals < args in a finished program, a
// frame released twice. It is never returned as an error value.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Message
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic(&FatalError{Message: msg})
}

// ---------------------------------------------------------------------------
// Recoverable runtime errors
// ---------------------------------------------------------------------------

// ErrorKind classifies a RuntimeError.
type ErrorKind int

const (
	KindDestructedObject ErrorKind = iota + 1
	KindUnfinishedProgram
	KindUndefinedFunction
	KindNotCallable
	KindRedirectLimit
	KindCancelled
	KindThrown
	KindNoExecutor
	KindStackOverflow
	KindNotVariable
)

// Sentinels matched with errors.Is against any RuntimeError of that kind.
var (
	ErrDestructed        = errors.New("call on destructed object")
	ErrUnfinished        = errors.New("call into unfinished program")
	ErrUndefinedFunction = errors.New("call to undefined function")
	ErrNotCallable       = errors.New("call to non-function")
	ErrRedirectLimit     = errors.New("call redirect chain too long")
	ErrCancelled         = errors.New("execution cancelled")
	ErrThrown            = errors.New("thrown value")
	ErrNoExecutor        = errors.New("no bytecode executor")
	ErrStackOverflow     = errors.New("stack overflow")
	ErrNotVariable       = errors.New("access to non-variable")
)

var sentinels = map[ErrorKind]error{
	KindDestructedObject:  ErrDestructed,
	KindUnfinishedProgram: ErrUnfinished,
	KindUndefinedFunction: ErrUndefinedFunction,
	KindNotCallable:       ErrNotCallable,
	KindRedirectLimit:     ErrRedirectLimit,
	KindCancelled:         ErrCancelled,
	KindThrown:            ErrThrown,
	KindNoExecutor:        ErrNoExecutor,
	KindStackOverflow:     ErrStackOverflow,
	KindNotVariable:       ErrNotVariable,
}

// RuntimeError is a catchable error raised by the dispatcher, by natives
// or by the executor. Raising it unwinds frames one at a time until a
// Catch point or the outermost caller is reached.
type RuntimeError struct {
	Kind      ErrorKind
	Message   string
	Value     Value // payload of Throw, undefined otherwise
	Backtrace []BacktraceEntry
	cause     error
}

func (e *RuntimeError) Error() string {
	if e.Message == "" {
		return sentinels[e.Kind].Error()
	}
	return e.Message
}

// Unwrap exposes the kind sentinel and, if any, the underlying cause.
func (e *RuntimeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// FormatBacktrace renders the backtrace innermost frame first.
func (e *RuntimeError) FormatBacktrace() string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	for i := len(e.Backtrace) - 1; i >= 0; i-- {
		sb.WriteString("\n  ")
		sb.WriteString(e.Backtrace[i].String())
	}
	return sb.String()
}

// newError builds a RuntimeError and snapshots the backtrace of ctx.
func (ctx *Context) newError(kind ErrorKind, format string, args ...any) *RuntimeError {
	err := &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if ctx != nil {
		err.Backtrace = ctx.Backtrace()
	}
	return err
}

// thrown is the panic payload of Throw.
type thrown struct {
	err *RuntimeError
}

// Throw raises v as a catchable error from inside a native function.
// It does not return.
func (ctx *Context) Throw(v Value) {
	err := ctx.newError(KindThrown, "thrown: %s", v)
	err.Value = Retain(v)
	panic(thrown{err: err})
}

// Raise aborts the running native function with err.
// It does not return.
func (ctx *Context) Raise(err error) {
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		rerr = ctx.newError(KindThrown, "%v", err)
		rerr.cause = err
	}
	panic(thrown{err: rerr})
}
