// Package config loads process configuration from the environment
// with os.Getenv, plus the numeric clamping and case-insensitive
// boolean parsing that §6.5 requires.
package config

import (
	"os"
	"strconv"
	"strings"
)

// String returns the environment variable named by key, or def if unset
// or empty.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Bool parses key case-insensitively as "true"/"false"; any other value,
// including unset, yields def.
func Bool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "true":
		return true
	case "false":
		return false
	default:
		return def
	}
}

// Int parses key as a base-10 integer, clamped to [min, max]. An unset
// or unparseable value yields def (itself clamped).
func Int(key string, def, min, max int) int {
	v := def
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			v = n
		}
	}
	return clamp(v, min, max)
}

// Int64 is Int for 64-bit ranges, used for sompi-denominated knobs.
func Int64(key string, def, min, max int64) int64 {
	v := def
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			v = n
		}
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
