package profile

import (
	"log"
	"os"
)

var (
	errorLog = log.New(os.Stderr, "[profile] ERROR: ", log.LstdFlags)
	debugLog = log.New(os.Stdout, "[profile] DEBUG: ", log.LstdFlags)
)

// SetLoggers overrides the package loggers. Tests use this to silence
// output.
func SetLoggers(errLogger, dbgLogger *log.Logger) {
	if errLogger != nil {
		errorLog = errLogger
	}
	if dbgLogger != nil {
		debugLog = dbgLogger
	}
}
