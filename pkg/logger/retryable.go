package logger

import (
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Retryable adapts a zerolog.Logger to retryablehttp.LeveledLogger.
// Key/value pairs are attached as fields.
func Retryable(l zerolog.Logger) retryablehttp.LeveledLogger {
	return retryableLogger{l: l}
}

type retryableLogger struct {
	l zerolog.Logger
}

func (r retryableLogger) Error(msg string, keysAndValues ...interface{}) {
	withFields(r.l.Error(), keysAndValues).Msg(msg)
}

func (r retryableLogger) Info(msg string, keysAndValues ...interface{}) {
	withFields(r.l.Info(), keysAndValues).Msg(msg)
}

// Debug logs at trace level: retryablehttp logs every request at debug.
func (r retryableLogger) Debug(msg string, keysAndValues ...interface{}) {
	withFields(r.l.Trace(), keysAndValues).Msg(msg)
}

func (r retryableLogger) Warn(msg string, keysAndValues ...interface{}) {
	withFields(r.l.Warn(), keysAndValues).Msg(msg)
}

func withFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}
