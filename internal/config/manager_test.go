package config

import (
	"os"
	"path/filepath"
	"testing"

	logx "tgblast/pkg/logx"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "blastd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), validYAML)
	m := NewManager(path, logx.Nop())

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), "telegram:\n  token: t\n")
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatal("expected validation error (storage.path missing)")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), validYAML)
	m := NewManager(path, logx.Nop())

	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("unsubscribed channel should be closed")
	}
	// unsubscribing twice (or a nil channel) must not panic
	m.Unsubscribe(ch)
	m.Unsubscribe(nil)
}
