package utils

import (
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// StackTraceFromPanic logs a recovered panic with its stack trace and panics again.
// Use it with defer at the top of a function.
func StackTraceFromPanic(logger *log.Entry) {
	if r := recover(); r != nil {
		logger.Errorf("stacktrace from panic: %s", string(debug.Stack()))
		panic(r)
	}
}
