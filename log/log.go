package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xeptore/quefi/config"
	"github.com/xeptore/quefi/constants"
)

func FromConfig(conf config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(conf.Level)
	if nil != err {
		panic("invalid logging level: " + conf.Level)
	}

	switch strings.ToLower(conf.Format) {
	case "json":
		return newLogger(os.Stderr).Level(level)
	case "pretty":
		return newLogger(newConsoleWriter(os.Stderr)).Level(level)
	default:
		panic("invalid logging format: " + conf.Format)
	}
}

func NewDefault() zerolog.Logger {
	return newLogger(newConsoleWriter(os.Stderr)).Level(zerolog.InfoLevel)
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{ //nolint:exhaustruct
		Out:          out,
		TimeFormat:   time.RFC3339,
		TimeLocation: time.UTC,
	}
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.
		New(w).
		Hook(&stackHook{}).
		With().
		Timestamp().
		Str("version", constants.Version).
		Str("compile_time", constants.CompileTime).
		Logger()
}
