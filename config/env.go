package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// BoolEnv reads a boolean switch; unset or unrecognized values yield
// defaultValue.
func BoolEnv(name string, defaultValue bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return defaultValue
	}

	switch v {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return defaultValue
	}
}

// IntEnvClamped reads an integer and clamps it to [minValue, maxValue].
func IntEnvClamped(name string, defaultValue, minValue, maxValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}

	if minValue <= maxValue {
		if n < minValue {
			n = minValue
		}
		if n > maxValue {
			n = maxValue
		}
	}

	return n
}

// StringEnv returns the trimmed value of name, or defaultValue when empty.
func StringEnv(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// DurationEnv reads a duration such as "5s"; unset, invalid or
// non-positive values yield defaultValue.
func DurationEnv(name string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(name)))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
