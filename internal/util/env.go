// Package util holds small helpers shared by RemindPipe components: environment
// parsing for the bootstrap and random identifiers for stored records.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseBoolEnv reads a boolean from key. true/1/yes/on and false/0/no/off are
// accepted in any case; unset or unrecognized values yield defaultValue.
func ParseBoolEnv(key string, defaultValue bool) bool {
	raw, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", raw, "default", defaultValue)
	return defaultValue
}

// ParseIntEnv reads an integer from key, falling back to defaultValue.
func ParseIntEnv(key string, defaultValue int) int {
	raw, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ParseIntEnv: invalid integer value, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return n
}

// ParseDurationEnv reads a Go duration string such as "90s" from key.
func ParseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	raw, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		slog.Warn("ParseDurationEnv: invalid duration, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return d
}

// lookup returns the trimmed value of key and whether it is non-empty.
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}
