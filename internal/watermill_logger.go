package internal

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// watermillLogger routes watermill's log calls through zap.
type watermillLogger struct {
	logger *zap.SugaredLogger
}

// NewWatermillLogger adapts a zap logger to watermill.LoggerAdapter.
func NewWatermillLogger(logger *zap.SugaredLogger) watermill.LoggerAdapter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Errorw(msg, append(keysAndValues(fields), "error", err)...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Infow(msg, keysAndValues(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debugw(msg, keysAndValues(fields)...)
}

// Trace maps to debug; zap has no finer level.
func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debugw(msg, keysAndValues(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger.With(keysAndValues(fields)...)}
}

func keysAndValues(fields watermill.LogFields) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
