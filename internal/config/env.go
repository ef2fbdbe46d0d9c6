// Package config resolves command line flags against VIDEOFLIX_* environment
// variables and opens the datastore and job queue both binaries share.
//
// Flags win over the environment; the environment wins over defaults. An
// optional .env file is read before flags are resolved and never overrides
// variables that are already set.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment key read by the binaries.
const EnvPrefix = "VIDEOFLIX_"

// Env returns the full environment key for name.
func Env(name string) string {
	return EnvPrefix + name
}

// LoadDotEnv loads the first of paths that exists, or ".env" when none are
// given. Missing files are not an error.
func LoadDotEnv(paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", err
		}
		if err := godotenv.Load(path); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", nil
}

func FirstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// String returns the flag value, the environment value, or fallback.
func String(flagValue, envKey, fallback string) string {
	return FirstNonEmpty(flagValue, os.Getenv(envKey), fallback)
}

func SplitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func ResolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func ResolveInt(flagValue int, envKey string) int {
	return ResolveIntDefault(flagValue, envKey, 0)
}

// ResolveIntDefault is ResolveInt with a fallback for unset or invalid input.
func ResolveIntDefault(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func ResolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func ResolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

// ModeValue normalises the runtime mode, defaulting to development.
func ModeValue(flagMode, envMode string) string {
	mode := strings.ToLower(FirstNonEmpty(flagMode, envMode))
	if mode == "" {
		mode = "development"
	}
	return mode
}
