// Package monitoring holds the process-wide diagnostic logging hooks shared by
// the acquisition packages.
package monitoring

import "log"

// Logf is the station-wide diagnostic logger. It defaults to log.Printf; tests
// and embedding applications may redirect or mute it with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// Verbose enables Debugf output. Off by default: at 25 Hz per sensor the
// per-line debug logging is too chatty for production.
var Verbose bool

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Debugf logs through Logf only when Verbose is set.
func Debugf(format string, v ...interface{}) {
	if Verbose {
		Logf(format, v...)
	}
}
