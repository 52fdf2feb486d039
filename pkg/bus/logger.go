package bus

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger bridges franz-go's logger onto go-kit. Debug is dropped at
// the source, the filter would discard it anyway.
type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) kgo.Logger {
	return kgoLogger{logger: log.With(logger, "component", "kafka_client")}
}

func (l kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l kgoLogger) Log(lev kgo.LogLevel, msg string, keyvals ...any) {
	keyvals = append([]any{"msg", msg}, keyvals...)
	switch lev {
	case kgo.LogLevelError:
		level.Error(l.logger).Log(keyvals...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(keyvals...)
	default:
		level.Info(l.logger).Log(keyvals...)
	}
}
