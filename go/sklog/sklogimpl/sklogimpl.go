// Package sklogimpl holds the swappable logger behind the sklog functions.
package sklogimpl

import (
	"fmt"
	"os"
	"sync"
)

// Severity of a log line.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Logger is implemented by every logging backend.
//
// depth is the number of stack frames above the sklog function that made the
// call; format is empty when args should be joined with fmt.Sprint.
type Logger interface {
	Log(depth int, severity Severity, format string, args ...interface{})
	Flush()
}

var (
	mtx    sync.RWMutex
	logger Logger
)

// SetLogger replaces the active logger.
func SetLogger(l Logger) {
	mtx.Lock()
	defer mtx.Unlock()
	logger = l
}

// Log sends a line to the active logger. Fatal lines flush and exit.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	mtx.RLock()
	l := logger
	mtx.RUnlock()
	l.Log(depth+1, severity, format, args...)
	if severity == Fatal {
		l.Flush()
		os.Exit(1)
	}
}

// Flush flushes the active logger.
func Flush() {
	mtx.RLock()
	defer mtx.RUnlock()
	logger.Flush()
}
