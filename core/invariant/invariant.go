// Package invariant provides contract assertions for the engine.
//
// Assertions guard programming errors, not user errors: a violation means the
// engine itself is broken, so every helper panics. User-visible failures go
// through core/fault instead.
package invariant

import (
	"fmt"
	"reflect"
	"runtime"
)

// Precondition checks an input contract at function entry.
func Precondition(condition bool, format string, args ...any) {
	if !condition {
		fail("PRECONDITION", format, args...)
	}
}

// Postcondition checks an output contract before a function returns.
func Postcondition(condition bool, format string, args ...any) {
	if !condition {
		fail("POSTCONDITION", format, args...)
	}
}

// Invariant checks internal consistency mid-function, typically loop progress
// or state-machine coherence.
func Invariant(condition bool, format string, args ...any) {
	if !condition {
		fail("INVARIANT", format, args...)
	}
}

// NotNil panics if value is nil, including a typed nil hiding behind an
// interface.
func NotNil(value any, name string) {
	if value == nil || isNilValue(value) {
		fail("PRECONDITION", "%s must not be nil", name)
	}
}

// InRange panics if value is outside [minVal, maxVal].
func InRange(value, minVal, maxVal int, name string) {
	if value < minVal || value > maxVal {
		fail("PRECONDITION", "%s must be in range [%d, %d], got %d", name, minVal, maxVal, value)
	}
}

func isNilValue(value any) bool {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

func fail(class, format string, args ...any) {
	msg := fmt.Sprintf("%s VIOLATION: %s", class, fmt.Sprintf(format, args...))
	if _, file, line, ok := runtime.Caller(2); ok {
		msg += fmt.Sprintf("\n  at %s:%d", file, line)
	}
	panic(msg)
}
