// Package logging builds the process zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level  string
	Format string
	// Mirror, when set, receives a plain (uncolored) copy of every line.
	Mirror io.Writer
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds the root logger and installs it as the zerolog global.
func New(cfg Config) zerolog.Logger {
	return NewWriter(cfg, os.Stdout)
}

func NewWriter(cfg Config, out io.Writer) zerolog.Logger {
	level := ParseLevel(cfg.Level)
	jsonFormat := strings.ToLower(strings.TrimSpace(cfg.Format)) == "json"

	w := writerFor(out, jsonFormat, false)
	if cfg.Mirror != nil {
		w = zerolog.MultiLevelWriter(w, writerFor(cfg.Mirror, jsonFormat, true))
	}
	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return log.Logger
}

func writerFor(out io.Writer, jsonFormat, noColor bool) io.Writer {
	if jsonFormat {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
}

// Component returns a child logger tagged with component=name.
func Component(root zerolog.Logger, name string) *zerolog.Logger {
	l := root.With().Str("component", name).Logger()
	return &l
}
