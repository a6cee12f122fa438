// Package flow carries control-flow signals through the error channel.
//
// BREAK, CONTINUE, and RETURN travel through arbitrary expression and
// operator evaluation as error values, distinct from data errors, so that no
// intermediate layer can drop or confuse them. Consumers state explicitly
// which signals they absorb: loops call IsBreak/IsContinue, blocks call
// CatchReturn, optional-use sites call OrNone. A signal that escapes every
// consumer becomes a fatal InvalidControlFlow fault at the statement
// boundary.
package flow

import (
	"github.com/cockroachdb/errors"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
)

type breakSignal struct{}
type continueSignal struct{}

func (breakSignal) Error() string    { return "BREAK outside of a loop" }
func (continueSignal) Error() string { return "CONTINUE outside of a loop" }

// Break is the BREAK signal.
var Break error = breakSignal{}

// Continue is the CONTINUE signal.
var Continue error = continueSignal{}

// ReturnSignal is the RETURN signal carrying its value. It is consumed by
// the enclosing block or subquery.
type ReturnSignal struct {
	Value val.Value
}

func (ReturnSignal) Error() string { return "RETURN outside of a block" }

// Return builds a RETURN signal for v.
func Return(v val.Value) error {
	return ReturnSignal{Value: v}
}

// IsBreak reports whether err is the BREAK signal.
func IsBreak(err error) bool {
	return errors.Is(err, Break)
}

// IsContinue reports whether err is the CONTINUE signal.
func IsContinue(err error) bool {
	return errors.Is(err, Continue)
}

// IsSignal reports whether err is any control-flow signal rather than a data
// error.
func IsSignal(err error) bool {
	if err == nil {
		return false
	}
	var r ReturnSignal
	return IsBreak(err) || IsContinue(err) || errors.As(err, &r)
}

// CatchReturn absorbs a RETURN signal, substituting its value. Any other
// error (including BREAK and CONTINUE) passes through unchanged.
func CatchReturn(v val.Value, err error) (val.Value, error) {
	if err == nil {
		return v, nil
	}
	var r ReturnSignal
	if errors.As(err, &r) {
		return r.Value, nil
	}
	return nil, err
}

// OrNone absorbs ignorable errors, substituting NONE. Control-flow signals
// and fatal errors pass through: coercion can never swallow a signal.
func OrNone(v val.Value, err error) (val.Value, error) {
	if err == nil {
		return v, nil
	}
	if !IsSignal(err) && fault.Ignorable(err) {
		return val.None{}, nil
	}
	return nil, err
}

// Escaped converts a signal that escaped every consumer into the fatal
// InvalidControlFlow fault. Data errors pass through unchanged.
func Escaped(err error) error {
	switch {
	case err == nil:
		return nil
	case IsBreak(err):
		return fault.InvalidControlFlow("BREAK")
	case IsContinue(err):
		return fault.InvalidControlFlow("CONTINUE")
	default:
		var r ReturnSignal
		if errors.As(err, &r) {
			return fault.InvalidControlFlow("RETURN")
		}
		return err
	}
}
