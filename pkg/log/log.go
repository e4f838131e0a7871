package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Log interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

type nopLog struct{}

func NopLog() Log { return nopLog{} }

func (nopLog) Debugf(string, ...interface{}) {}
func (nopLog) Infof(string, ...interface{})  {}
func (nopLog) Warnf(string, ...interface{})  {}
func (nopLog) Errorf(string, ...interface{}) {}

// NewZapLog creates a console logger at the given level (debug, info, warn,
// error, or off).
func NewZapLog(level string) (Log, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	case "off":
		return NopLog(), nil
	default:
		return nil, fmt.Errorf("unrecognized level %q", level)
	}
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.DisableStacktrace = true
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed building logger: %w", err)
	}
	return FromZap(logger), nil
}

// FromZap adapts an existing zap logger. Nil returns NopLog.
func FromZap(logger *zap.Logger) Log {
	if logger == nil {
		return NopLog()
	}
	return logger.Sugar()
}

// Named returns a child logger when the given log is zap backed, otherwise
// the log itself.
func Named(l Log, name string) Log {
	if s, ok := l.(*zap.SugaredLogger); ok {
		return s.Named(name)
	}
	return l
}
