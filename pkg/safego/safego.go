package safego

import (
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// Go runs fn on its own goroutine with panic containment. The gateway's
// background tasks (usage writers, audit inserts, cache warmers, the
// watchdog, the agentic loop itself) are spawned through here: a panicking
// task must never take the process down with it. The MCP stdio reader loop
// and the short timeout helpers in the tool executor and the watchdog use
// plain goroutines.
//
// A recovered panic is normalised into the application error taxonomy
// (INTERNAL_ERROR, carrying the panic value and the task name) and logged
// with its stack; the goroutine then exits cleanly.
//
// Usage:
//
//	safego.Go(logger, "usage-writer", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go run(logger, name, fn)
}

func run(logger *zap.Logger, name string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := Recovered(name, r)
		logger.Error("Background task panicked",
			zap.String("task", name),
			zap.Error(err),
			zap.Stack("stack"),
		)
	}()
	fn()
}

// Recovered converts a recover() value into an AppError so panic failures
// share the same taxonomy as every other internal error.
func Recovered(name string, panicValue interface{}) *apperrors.AppError {
	cause, ok := panicValue.(error)
	if !ok {
		cause = fmt.Errorf("%v", panicValue)
	}
	return apperrors.NewInternalErrorWithCause(fmt.Sprintf("task %q panicked", name), cause)
}
