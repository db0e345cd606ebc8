package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
  send_timeout: "10s"
storage:
  path: "/tmp/blast/ledger.db"
  busy_timeout: "5s"
  leases: 4
rate:
  per_second: 25
  backoff_floor: "1s"
  backoff_cap: "60s"
dispatch:
  workers: 8
  retry_max: 3
  retry_base: "500ms"
  retry_max_delay: "10s"
campaign:
  batch_size: 200
  progress_every: "5s"
logging:
  level: "debug"
  console: true
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("blastd.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Rate.PerSecond != 25 {
		t.Fatalf("rate.per_second = %d", cfg.Rate.PerSecond)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Fatalf("dispatch.workers = %d", cfg.Dispatch.Workers)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("blastd.json", []byte(`{"telegram":{"token":"t"},"storage":{"path":"/tmp/x.db"}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Telegram.Token != "t" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("blastd.yaml", []byte("telegram:\n  token: t\n  typo_field: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("blastd.json", []byte(`{"telegram":{"token":"t"}}{"extra":1}`))
	if err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidateRequirements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = " " }, wantErr: "telegram.token"},
		{name: "missing storage path", mutate: func(c *Config) { c.Storage.Path = "" }, wantErr: "storage.path"},
		{name: "bad duration", mutate: func(c *Config) { c.Rate.BackoffCap = "sixty" }, wantErr: "rate.backoff_cap"},
		{name: "negative duration", mutate: func(c *Config) { c.Dispatch.RetryBase = "-1s" }, wantErr: "dispatch.retry_base"},
		{
			name: "schedule without recipients",
			mutate: func(c *Config) {
				c.Schedules = []ScheduleConfig{{Name: "daily", Spec: "0 9 * * *", Text: "hi"}}
			},
			wantErr: "recipients",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode("blastd.yaml", []byte(validYAML))
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationField(t *testing.T) {
	t.Parallel()
	if d := Duration("1m30s"); d.Check("x") != nil || d.Std() != 90*time.Second {
		t.Fatalf("got %v", d.Std())
	}
	if d := Duration(""); d.Check("x") != nil || d.Std() != 0 {
		t.Fatalf("empty should be zero, got %v", d.Std())
	}
	if err := Duration("nope").Check("x"); err == nil {
		t.Fatal("expected error for garbage duration")
	}
	if err := Duration("-2s").Check("x"); err == nil || !strings.Contains(err.Error(), "x") {
		t.Fatalf("negative duration should fail naming the field, got %v", err)
	}

	if d := Duration("").Or(5 * time.Second); d != 5*time.Second {
		t.Fatalf("default not applied: %v", d)
	}
	if d := Duration("2s").Or(5 * time.Second); d != 2*time.Second {
		t.Fatalf("explicit value lost: %v", d)
	}
}
