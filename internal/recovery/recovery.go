// Package recovery provides panic recovery utilities for connection goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "pingLoop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// Guard runs fn and converts a panic into a logged error. It reports
// whether fn panicked, so loops can keep going after a bad message.
func Guard(logger *slog.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, name, r)
			panicked = true
		}
	}()
	fn()
	return false
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
