package internal

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseMu     sync.RWMutex
	baseLogger = zap.NewNop()
)

// SetupLogging builds the process-wide zap logger. Loggers created by
// NewLogger afterwards inherit its level and encoding.
func SetupLogging(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stdout"}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}

	baseMu.Lock()
	baseLogger = logger
	baseMu.Unlock()
	return logger, nil
}

func NewLogger(component string) *zap.SugaredLogger {
	baseMu.RLock()
	logger := baseLogger
	baseMu.RUnlock()

	name := "hookgate"
	if component != "" {
		name = name + "/" + component
	}
	return logger.Named(name).Sugar()
}
