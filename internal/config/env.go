package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Bool reads an environment variable and returns a boolean value.
// Only "true" or "false" (case-insensitive) are recognised; any other
// value results in the provided default.
func Bool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch val {
	case "":
		return defaultValue
	case "true":
		return true
	case "false":
		return false
	default:
		return defaultValue
	}
}

// Int reads a non-negative integer from the environment. Unset, malformed
// or negative values yield the default.
func Int(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}

// Float reads a non-negative float from the environment.
func Float(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return defaultValue
	}
	return f
}

// Duration reads a Go duration string ("30s", "24h") from the environment.
func Duration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return defaultValue
	}
	return d
}

// String returns the trimmed value of key or the default when unset.
func String(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}
