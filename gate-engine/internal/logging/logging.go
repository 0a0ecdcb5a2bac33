package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. format is "json" or "console";
// service is attached to every json record.
func Init(level, format, service string) {
	InitWriter(os.Stderr, level, format, service)
}

func InitWriter(w io.Writer, level, format, service string) {
	if strings.EqualFold(format, "json") {
		ctx := zerolog.New(w).With().Timestamp()
		if service != "" {
			ctx = ctx.Str("service", service)
		}
		log.Logger = ctx.Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps a level name onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
