package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a config field holding a Go duration string ("500ms", "10s").
// Empty means unset, letting the owning component apply its default.
// Negative values are rejected at validation so a hot reload cannot push a
// retry or backoff knob below zero mid-run.
type Duration string

// Check validates the field, naming path in the error.
func (d Duration) Check(path string) error {
	_, err := d.parse(path)
	return err
}

// Std returns the parsed duration, or 0 when unset. Call after Check;
// malformed input reads as unset rather than failing mid-reload.
func (d Duration) Std() time.Duration {
	v, err := d.parse("")
	if err != nil {
		return 0
	}
	return v
}

// Or resolves the field against def when unset or zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if v := d.Std(); v > 0 {
		return v
	}
	return def
}

func (d Duration) parse(path string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return v, nil
}
