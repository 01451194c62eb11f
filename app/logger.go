package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

type Level string

const (
	TRACE Level = "TRACE"
	DEBUG Level = "DEBUG"
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
	PANIC Level = "PANIC"
)

// ParseLevel accepts a level name in any case. An empty name is INFO.
func ParseLevel(name string) (Level, error) {
	if name == "" {
		return INFO, nil
	}
	level := Level(strings.ToUpper(name))
	switch level {
	case TRACE, DEBUG, INFO, WARN, ERROR, PANIC:
		return level, nil
	default:
		return "", fmt.Errorf("unknown log level %q", name)
	}
}

// NewZeroLogger writes JSON lines to out, or to stdout when out is nil.
func NewZeroLogger(logLevel Level, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	if out == nil {
		out = os.Stdout
	}

	return zerolog.New(out).
		Level(logLevelToZero(logLevel)).
		With().
		Timestamp().
		Caller().
		Logger()
}

func logLevelToZero(level Level) zerolog.Level {
	switch level {
	case PANIC:
		return zerolog.PanicLevel
	case ERROR:
		return zerolog.ErrorLevel
	case WARN:
		return zerolog.WarnLevel
	case INFO:
		return zerolog.InfoLevel
	case DEBUG:
		return zerolog.DebugLevel
	case TRACE:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
