package utils

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger shared by the CLI and handed to the
// polling, notification and session packages.
var Log = logrus.New()

// SetLogLevel parses level and applies it to Log.
func SetLogLevel(level string) error {
	// We are not using logrus' trace and panic levels
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		Log.SetLevel(logrus.DebugLevel)
	case "info", "":
		Log.SetLevel(logrus.InfoLevel)
	case "warning", "warn":
		Log.SetLevel(logrus.WarnLevel)
	case "error":
		Log.SetLevel(logrus.ErrorLevel)
	case "fatal":
		Log.SetLevel(logrus.FatalLevel)
	default:
		return fmt.Errorf("bad log level %q", level)
	}
	return nil
}

// RetryLogger adapts a logrus logger to retryablehttp's LeveledLogger.
type RetryLogger struct {
	L *logrus.Logger
}

func (r RetryLogger) fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

func (r RetryLogger) Error(msg string, keysAndValues ...interface{}) {
	r.L.WithFields(r.fields(keysAndValues)).Error(msg)
}

func (r RetryLogger) Info(msg string, keysAndValues ...interface{}) {
	// retryablehttp reports every request at info; that is debug noise here.
	r.L.WithFields(r.fields(keysAndValues)).Debug(msg)
}

func (r RetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	r.L.WithFields(r.fields(keysAndValues)).Debug(msg)
}

func (r RetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	r.L.WithFields(r.fields(keysAndValues)).Warn(msg)
}
