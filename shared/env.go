package shared

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func GetenvString(v string) (string, error) {
	return strings.TrimSpace(v), nil
}

func GetenvInt(v string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(v))
}

func GetenvFloat(v string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}

func GetenvBool(v string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(v))
}

func GetenvDuration(v string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(v))
}

// Getenv reads key and converts it with parse. Unset or empty variables yield def,
// or an error when required is set.
func Getenv[T any](parse func(string) (T, error), key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse func(string) (T, error), key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
