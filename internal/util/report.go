package util

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitSentry enables error reporting. An empty DSN leaves reporting off.
func InitSentry(dsn, environment, release string, sampleRate float64) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		SampleRate:       sampleRate,
		AttachStacktrace: true,
	})
}

// CaptureError logs err and forwards it to Sentry when a client is configured.
func CaptureError(msg string, err error, fields ...zap.Field) {
	Get().Error(msg, append(fields, zap.Error(err))...)

	hub := sentry.CurrentHub()
	if hub.Client() == nil {
		return
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", msg)
		for _, f := range fields {
			if f.Type == zapcore.StringType {
				scope.SetExtra(f.Key, f.String)
			}
		}
		hub.CaptureException(err)
	})
}

// FlushSentry waits for buffered events to be delivered.
func FlushSentry(timeout time.Duration) {
	if sentry.CurrentHub().Client() != nil {
		sentry.Flush(timeout)
	}
}
