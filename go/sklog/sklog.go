// Package sklog defines the logging functions (e.g. Info, Errorf, etc.).
package sklog

import (
	"os"

	"go.skia.org/rebaseline/go/sklog/sklogimpl"
	"go.skia.org/rebaseline/go/sklog/stdlogging"
)

// SetLogger must happen before any logging call, hence init.
func init() {
	sklogimpl.SetLogger(stdlogging.New(os.Stderr))
}

// Debug, Info, Warning, Error, and Fatal use fmt.Sprint to format the
// arguments; functions ending in f use fmt.Sprintf.
func Debug(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Debug, "", msg...)
}

func Debugf(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Debug, format, v...)
}

func Info(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Info, "", msg...)
}

func Infof(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Info, format, v...)
}

func Warning(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Warning, "", msg...)
}

func Warningf(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Warning, format, v...)
}

func Error(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Error, "", msg...)
}

func Errorf(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Error, format, v...)
}

// ErrorfWithDepth starts the reported location depth frames above the caller.
func ErrorfWithDepth(depth int, format string, v ...interface{}) {
	sklogimpl.Log(1+depth, sklogimpl.Error, format, v...)
}

// Fatal* exits the program after logging.
func Fatal(msg ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Fatal, "", msg...)
}

func Fatalf(format string, v ...interface{}) {
	sklogimpl.Log(1, sklogimpl.Fatal, format, v...)
}

func Flush() {
	sklogimpl.Flush()
}
