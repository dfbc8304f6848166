package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zerologFactory routes pion's internal logging into zerolog, one "scope"
// field per pion subsystem (ice, dtls, sctp...).
type zerologFactory struct {
	level zerolog.Level
}

// NewLoggerFactory returns a pion LoggerFactory that logs at level or above.
// pion is chatty, so callers usually pass warn.
func NewLoggerFactory(level zerolog.Level) logging.LoggerFactory {
	return zerologFactory{level: level}
}

func (f zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zerologLeveled{
		logger: log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.level),
	}
}

type zerologLeveled struct {
	logger zerolog.Logger
}

var _ logging.LeveledLogger = (*zerologLeveled)(nil)

func (l *zerologLeveled) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l *zerologLeveled) Tracef(format string, args ...any) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLeveled) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *zerologLeveled) Debugf(format string, args ...any) {
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLeveled) Info(msg string) { l.logger.Info().Msg(msg) }
func (l *zerologLeveled) Infof(format string, args ...any) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLeveled) Warn(msg string) { l.logger.Warn().Msg(msg) }
func (l *zerologLeveled) Warnf(format string, args ...any) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLeveled) Error(msg string) { l.logger.Error().Msg(msg) }
func (l *zerologLeveled) Errorf(format string, args ...any) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}
