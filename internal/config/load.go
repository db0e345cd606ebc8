package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses a config document strictly. YAML is coerced to JSON first so
// the same strict decoder (DisallowUnknownFields) covers both formats.
func Decode(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that the decoder cannot see.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	durations := []struct {
		path string
		d    Duration
	}{
		{"telegram.send_timeout", cfg.Telegram.SendTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.lease_warn_after", cfg.Storage.LeaseWarnAfter},
		{"rate.backoff_floor", cfg.Rate.BackoffFloor},
		{"rate.backoff_cap", cfg.Rate.BackoffCap},
		{"dispatch.retry_base", cfg.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay},
		{"campaign.progress_every", cfg.Campaign.ProgressEvery},
		{"campaign.sweep_pause", cfg.Campaign.SweepPause},
	}
	for _, d := range durations {
		if err := d.d.Check(d.path); err != nil {
			return err
		}
	}
	for i, s := range cfg.Schedules {
		if strings.TrimSpace(s.Spec) == "" {
			return fmt.Errorf("schedules[%d]: spec is required", i)
		}
		if len(s.Recipients) == 0 {
			return fmt.Errorf("schedules[%d]: recipients is required", i)
		}
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("schedules[%d]: text is required", i)
		}
	}
	return nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the
// strict JSON decoder for both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
