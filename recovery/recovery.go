// Package recovery provides panic recovery utilities for runtime loops and
// background goroutines. A panic inside one agent's handler must never take
// down the rest of the hierarchy.
package recovery

import (
	"fmt"
	"runtime/debug"
)

// Logger is the minimal logging interface used for panic reporting.
type Logger interface {
	Error(msg string, args ...any)
}

// SafeExecute executes fn with panic recovery. If fn panics, the panic is
// logged and returned as an error. The operation parameter is used for
// logging context.
func SafeExecute(logger Logger, operation string, fn func() error) error {
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", stack,
					)
				}
				err = fmt.Errorf("panic in %s: %v", operation, r)
			}
		}()
		err = fn()
	}()

	return err
}

// SafeGo runs fn in a goroutine with panic recovery. If the goroutine
// panics, the panic is logged and the onPanic callback is called.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("goroutine_panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", stack,
					)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
