// Package env reads typed settings from environment variables. Unset or
// unparsable values fall back to the default.
package env

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Str returns the value of the environment variable key, or fallback if unset/empty.
func Str(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func Int(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

// Duration accepts Go durations ("750ms") or bare milliseconds.
func Duration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}

func Bool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}

// Level parses debug, info, warn or error.
func Level(key string, fallback slog.Level) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(os.Getenv(key)))); err != nil {
		return fallback
	}
	return lvl
}
