// Package stdlogging implements sklogimpl.Logger and logs to either stderr or stdout.
package stdlogging

import (
	logger "github.com/jcgregorio/logger"
	"go.skia.org/rebaseline/go/sklog/sklogimpl"
)

type stdlog struct {
	logger *logger.Logger
}

// New returns a sklogimpl.Logger that writes to a SyncWriter, such as
// os.Stdout or os.Stderr.
func New(dst logger.SyncWriter) sklogimpl.Logger {
	return &stdlog{
		logger: logger.NewFromOptions(&logger.Options{
			SyncWriter:   dst,
			DepthDelta:   3,
			IncludeDebug: true,
		}),
	}
}

// Log implements sklogimpl.Logger. The Fatal case only writes the line;
// sklogimpl.Log is responsible for exiting.
func (s stdlog) Log(_ int, severity sklogimpl.Severity, format string, args ...interface{}) {
	switch severity {
	case sklogimpl.Debug:
		if format == "" {
			s.logger.Debug(args...)
		} else {
			s.logger.Debugf(format, args...)
		}
	case sklogimpl.Info:
		if format == "" {
			s.logger.Info(args...)
		} else {
			s.logger.Infof(format, args...)
		}
	case sklogimpl.Warning:
		if format == "" {
			s.logger.Warning(args...)
		} else {
			s.logger.Warningf(format, args...)
		}
	default:
		if format == "" {
			s.logger.Error(args...)
		} else {
			s.logger.Errorf(format, args...)
		}
	}
}

// Flush implements sklogimpl.Logger.
func (s stdlog) Flush() {}
