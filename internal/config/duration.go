package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are Go duration strings ("90s", "1h30m"). Negative values are
// rejected; path names the field in error messages.

func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	return d, err
}

// ParseDurationOrDefault returns def for an empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationUnlessEmpty returns def only when raw is empty, so "0s" can
// explicitly disable a feature whose default is on.
func ParseDurationUnlessEmpty(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	if err != nil || set {
		return d, err
	}
	return def, nil
}

func parseDuration(path, raw string) (d time.Duration, set bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	if d, err = time.ParseDuration(s); err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("%s: duration must be >= 0, got %s", path, s)
	}
	return d, true, nil
}
