package webrtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// ZapLoggerFactory routes pion's internal logging into zap. Each scope
// becomes a named child logger.
type ZapLoggerFactory struct {
	logger *zap.SugaredLogger
}

func NewZapLoggerFactory(logger *zap.Logger) *ZapLoggerFactory {
	return &ZapLoggerFactory{logger: logger.Named("pion").Sugar()}
}

func (f *ZapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{logger: f.logger.Named(scope)}
}

type zapLeveledLogger struct {
	logger *zap.SugaredLogger
}

// pion traces every packet; trace output is folded into debug.
func (l *zapLeveledLogger) Trace(msg string)                  { l.logger.Debug(msg) }
func (l *zapLeveledLogger) Tracef(format string, args ...any) { l.logger.Debugf(format, args...) }
func (l *zapLeveledLogger) Debug(msg string)                  { l.logger.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...any) { l.logger.Debugf(format, args...) }
func (l *zapLeveledLogger) Info(msg string)                   { l.logger.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...any)  { l.logger.Infof(format, args...) }
func (l *zapLeveledLogger) Warn(msg string)                   { l.logger.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...any)  { l.logger.Warnf(format, args...) }
func (l *zapLeveledLogger) Error(msg string)                  { l.logger.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...any) { l.logger.Errorf(format, args...) }
