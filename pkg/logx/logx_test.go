package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu    sync.Mutex
	msgs  []string
	chats []int64
}

func (c *captureSender) SendText(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.chats = append(c.chats, chatID)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestFileSinkAndLiveLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "castbot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	log = log.With(String("comp", "test"))
	log.Debug("hidden")
	log.Info("visible", Int64("channel_id", -1001))
	if log.Enabled(LevelDebug) {
		t.Fatalf("debug must be disabled at info level")
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatalf("a logger derived before Apply must follow the new level")
	}
	log.Debug("now visible")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"channel_id":-1001`) || !strings.Contains(out, "now visible") {
		t.Fatalf("unexpected log file:\n%s", out)
	}
}

func TestTelegramSinkHonorsMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{Telegram: TelegramConfig{MinLevel: "warn", RatePerSec: 100}}, sender)
	defer svc.Close()
	svc.SetTelegramTarget(-5000, 3)
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")}, Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})

	log.Info("routine")
	log.Warn("queue full", Int("queue_cap", 8))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("expected one operator message, got %v", sender.msgs)
	}
	if sender.chats[0] != -5000 || !strings.HasPrefix(sender.msgs[0], "[WARN] queue full") || !strings.Contains(sender.msgs[0], "- queue_cap=8") {
		t.Fatalf("unexpected message %q to %d", sender.msgs[0], sender.chats[0])
	}
}

func TestFormatOperatorLine(t *testing.T) {
	got := formatOperatorLine([]byte(`{"level":"error","message":"boom","time":"x","b":2,"a":"one"}`))
	want := "[ERROR] boom\n- a=one\n- b=2"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatOperatorLine([]byte("not json")); got != "not json" {
		t.Fatalf("raw fallback: %q", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger must report IsZero")
	}
	l.Error("dropped", Err(nil))
	if Nop().IsZero() {
		t.Fatalf("Nop is a configured logger")
	}
}
