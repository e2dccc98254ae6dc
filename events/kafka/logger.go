package kafka

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// kgoLogger forwards franz-go client logs. Client info logs are chatty and
// go to debug.
type kgoLogger struct {
	logger loggingpkg.ServiceLogger
}

func newKgoLogger(logger loggingpkg.ServiceLogger) kgo.Logger {
	return kgoLogger{logger: logger.With(loggingpkg.LogFields{"component": "kgo"})}
}

func (l kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	fields := make(loggingpkg.LogFields, len(keyvals)/2)
	var err error
	for i := 0; i+1 < len(keyvals); i += 2 {
		if e, ok := keyvals[i+1].(error); ok && err == nil {
			err = e
			continue
		}
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}

	switch level {
	case kgo.LogLevelError:
		l.logger.Error(msg, err, fields)
	case kgo.LogLevelWarn:
		if err != nil {
			fields["error"] = err.Error()
		}
		l.logger.Warn(msg, fields)
	case kgo.LogLevelInfo:
		l.logger.Debug(msg, fields)
	default:
		l.logger.Trace(msg, fields)
	}
}
