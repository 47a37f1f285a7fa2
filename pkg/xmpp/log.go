package xmpp

import (
	"log"
	"os"
)

var (
	errorLog = log.New(os.Stderr, "[xmpp] ERROR: ", log.LstdFlags)
	debugLog = log.New(os.Stdout, "[xmpp] DEBUG: ", log.LstdFlags)
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
