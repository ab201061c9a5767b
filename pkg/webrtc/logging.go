package webrtc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion traces every packet
const levelTrace = slog.LevelDebug - 4

// slogFactory routes pion's internal logging into slog
type slogFactory struct {
	logger *slog.Logger
}

func newLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return slogFactory{logger: logger}
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{logger: f.logger.With("component", "pion", "scope", scope)}
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *slogLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *slogLogger) Tracef(format string, args ...interface{}) {
	l.log(levelTrace, fmt.Sprintf(format, args...))
}
func (l *slogLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *slogLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *slogLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *slogLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *slogLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *slogLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *slogLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *slogLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
