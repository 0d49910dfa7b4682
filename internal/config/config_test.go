package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/castbot.db
dedup:
  staleness_window: 0s
dispatch:
  suppress_tags: ["#internal", draft]
  operator_audience: all
broadcast:
  batch_size: 20
  throttle_retry_max: 0
channels:
  - id: -1001
    role: tenant
    tenant: shop-a
  - id: -1002
    role: operator
    active: false
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("castbot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Storage.Driver != "sqlite" || cfg.Dedup.StalenessWindow != "0s" {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
	if cfg.Broadcast.ThrottleRetryMax == nil || *cfg.Broadcast.ThrottleRetryMax != 0 {
		t.Fatalf("explicit zero retry max must survive decoding")
	}
	if len(cfg.Channels) != 2 || !cfg.Channels[0].IsActive() || cfg.Channels[1].IsActive() {
		t.Fatalf("channels: %+v", cfg.Channels)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"telegram":{"token":"x"},"plugins":{}}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{"telegram":{"token":"x"}} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	if _, err := Decode("c.yaml", []byte("telegram:\n  token: x\n---\nlogging: {}\n")); err == nil {
		t.Fatalf("expected multi-document yaml error")
	}
	if _, err := Decode("c.yml", []byte("channels:\n  - {id: 1, role: staging, 7: x}\n")); err == nil {
		t.Fatalf("expected non-string key error")
	}
	if _, err := Decode("c.yaml", []byte("# empty\n")); err != nil {
		t.Fatalf("empty yaml must decode: %v", err)
	}
}

func TestParseDurationUnlessEmpty(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", time.Hour, true},
		{"0s", 0, true},
		{"90m", 90 * time.Minute, true},
		{"-1s", 0, false},
		{"soon", 0, false},
	}
	for _, c := range cases {
		got, err := ParseDurationUnlessEmpty("dedup.staleness_window", c.raw, time.Hour)
		if (err == nil) != c.ok || got != c.want {
			t.Fatalf("%q: got %v err=%v", c.raw, got, err)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a, _ := Decode("a.yaml", []byte(sampleYAML))
	b, _ := Decode("b.yaml", []byte(sampleYAML))
	b.Telegram.Token = "999:secret-token"
	b.Storage.DSN = "postgres://user:hunter2@db/castbot"
	b.Dispatch.PromoteTags = []string{"promo"}
	b.Channels = append(b.Channels, ChannelConfig{ID: -1003, Role: "staging"})

	changed, attrs := SummarizeConfigChange(a, b)
	want := []string{"channels", "dispatch", "storage", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := NeedsRestart(changed); strings.Join(got, ",") != "storage,telegram" {
		t.Fatalf("restart sections = %v", got)
	}

	if changed, _ := SummarizeConfigChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "castbot.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"telegram":{"token":"x"},"dedup":{"staleness_window":"1h"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Dedup.StalenessWindow == "bad" {
			return errors.New("rejected")
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	write(`{"telegram":{"token":"x"},"dedup":{"staleness_window":"bad"}}`)
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config was published: %+v", cfg.Dedup)
	default:
	}

	write(`{"telegram":{"token":"x"},"dedup":{"staleness_window":"30m"}}`)
	select {
	case cfg := <-sub:
		if cfg.Dedup.StalenessWindow != "30m" {
			t.Fatalf("unexpected published window %q", cfg.Dedup.StalenessWindow)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Dedup.StalenessWindow != "30m" {
		t.Fatalf("manager did not commit the new config")
	}
}
