// Package zerologadapter provides a logger that writes to a github.com/rs/zerolog.
package zerologadapter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jackc/pgsession"
)

type Logger struct {
	logger zerolog.Logger
}

// NewLogger accepts a zerolog.Logger as input and returns a new custom
// pgsession logging fascade as output.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("module", "pgsession").Logger(),
	}
}

func (pl *Logger) Log(ctx context.Context, level pgsession.LogLevel, msg string, data map[string]interface{}) {
	var zlevel zerolog.Level
	switch level {
	case pgsession.LogLevelNone:
		zlevel = zerolog.NoLevel
	case pgsession.LogLevelError:
		zlevel = zerolog.ErrorLevel
	case pgsession.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case pgsession.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	case pgsession.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	default:
		zlevel = zerolog.DebugLevel
	}

	log := pl.logger.With().Fields(data).Logger()
	log.WithLevel(zlevel).Msg(msg)
}
