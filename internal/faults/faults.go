package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide between rejecting input,
// aborting a run, or recording a per-unit error and moving on.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInput: malformed sequences, out-of-range positions, empty chains.
	KindInput
	// KindConfig: invalid or inconsistent configuration. Aborts before any unit work.
	KindConfig
	// KindNumerical: non-finite values or attribution sums far outside tolerance.
	KindNumerical
	// KindAlignment: a sequence could not be mapped into a shared coordinate system.
	KindAlignment
	// KindResource: a backing service is unreachable or out of capacity. Aborts the run.
	KindResource
	// KindPartial: the operation produced usable results with degraded coverage.
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindConfig:
		return "config"
	case KindNumerical:
		return "numerical"
	case KindAlignment:
		return "alignment"
	case KindResource:
		return "resource"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Error carries a Kind through wrap chains. Op names the failing operation
// ("synergy.build", "panel.align") in the same spirit as step names.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

func Input(op, format string, args ...any) *Error {
	return newf(KindInput, op, format, args...)
}

func Config(op, format string, args ...any) *Error {
	return newf(KindConfig, op, format, args...)
}

func Numerical(op, format string, args ...any) *Error {
	return newf(KindNumerical, op, format, args...)
}

func Alignment(op, format string, args ...any) *Error {
	return newf(KindAlignment, op, format, args...)
}

func Resource(op, format string, args ...any) *Error {
	return newf(KindResource, op, format, args...)
}

func Partial(op, format string, args ...any) *Error {
	return newf(KindPartial, op, format, args...)
}

// Wrap attaches a kind and op to an existing error, preserving the chain.
func Wrap(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf walks the wrap chain and returns the first classified kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, k Kind) bool {
	for e := err; e != nil; {
		var fe *Error
		if !errors.As(e, &fe) {
			return false
		}
		if fe.Kind == k {
			return true
		}
		e = fe.Err
	}
	return false
}

// Fatal reports whether err should abort a whole run rather than be recorded
// against a single unit.
func Fatal(err error) bool {
	k := KindOf(err)
	return k == KindConfig || k == KindResource
}
