package main

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	envLogLevel   = "ADS_LOG_LEVEL"
	envLogNoColor = "ADS_LOG_NOCOLOR"
)

// newLogger builds the console logger. The environment overrides level.
func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, ok := parseLevel(os.Getenv(envLogLevel))
	if !ok {
		lvl, _ = parseLevel(level)
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	if v, ok := parseBool(os.Getenv(envLogNoColor)); ok {
		output.NoColor = v
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "ads-cli").Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
