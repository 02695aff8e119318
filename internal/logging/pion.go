package logging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below debug; pion's ICE and SCTP traces land here.
const LevelTrace = slog.LevelDebug - 4

// PionFactory routes pion's internal loggers into slog, one "scope"
// attribute per subsystem (ice, dtls, sctp, ...).
type PionFactory struct {
	logger *slog.Logger
}

// NewPionFactory returns a factory writing to logger, or the default
// logger when nil.
func NewPionFactory(logger *slog.Logger) *PionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &PionFactory{logger: logger}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{logger: f.logger.With("scope", scope)}
}

var _ logging.LoggerFactory = (*PionFactory)(nil)

type pionLogger struct {
	logger *slog.Logger
}

func (l *pionLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *pionLogger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Trace(msg string) { l.log(LevelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.logf(LevelTrace, format, args...)
}
func (l *pionLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l *pionLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l *pionLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l *pionLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
