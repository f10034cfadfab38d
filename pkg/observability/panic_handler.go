package observability

import (
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its stack and swallows it. Meant
// for deferred use at goroutine boundaries; the ingestion worker pool and
// SafeGo wrap every task with it so a panicking job cannot take the process
// down.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}
