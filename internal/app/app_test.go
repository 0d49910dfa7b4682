package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/eventbus"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type fakeAdapter struct {
	mu        sync.Mutex
	out       chan<- transport.Update
	delivered []int64
	texts     []string
	stopped   bool
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- transport.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Deliver(_ context.Context, id int64, _ transport.SourceRef, _ bool) transport.Outcome {
	f.mu.Lock()
	f.delivered = append(f.delivered, id)
	f.mu.Unlock()
	return transport.Delivered()
}

func (f *fakeAdapter) SendText(_ context.Context, _ int64, _ int, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) push(u transport.Update) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- u
}

func (f *fakeAdapter) snapshot() ([]int64, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.delivered...), append([]string(nil), f.texts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeConfig(t *testing.T, body string) *config.Manager {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "DBPATH", filepath.Join(dir, "castbot.db"))
	path := filepath.Join(dir, "castbot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return config.NewManager(path)
}

const appYAML = `
telegram:
  token: "123:abc"
storage:
  driver: sqlite
  path: DBPATH
broadcast:
  batch_delay: 0s
housekeeping:
  enabled: false
channels:
  - id: -1001
    role: tenant
    tenant: shop-a
  - id: -1002
    role: operator
`

func TestAppEnrollAndBroadcastOnce(t *testing.T) {
	cfgm := writeConfig(t, appYAML)
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ad := &fakeAdapter{}
	a, err := newApp(context.Background(), cfgm, cfg, ad)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ad.push(transport.Update{Kind: transport.UpdateCommand, Command: &transport.Command{ChatID: 42, FromID: 42, Name: "start", Args: []string{"shop-a"}}})
	waitFor(t, "enroll reply", func() bool { _, texts := ad.snapshot(); return len(texts) == 1 })

	ev := transport.ContentEvent{ChannelID: -1001, ContentID: 7, OriginatedAt: time.Now(), Text: "hello"}
	for i := 0; i < 3; i++ {
		ad.push(transport.Update{Kind: transport.UpdateContent, Content: &ev})
	}
	waitFor(t, "delivery", func() bool { ids, _ := ad.snapshot(); return len(ids) >= 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ids, _ := ad.snapshot()
	if len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("expected one delivery to 42, got %v", ids)
	}
	if !ad.stopped {
		t.Fatalf("adapter was not stopped")
	}
}

func TestNewAppRejectsInvalidChannel(t *testing.T) {
	cfgm := writeConfig(t, `
telegram:
  token: "123:abc"
storage:
  path: DBPATH
channels:
  - id: -1001
    role: tenant
`)
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := newApp(context.Background(), cfgm, cfg, &fakeAdapter{}); err == nil {
		t.Fatalf("expected tenant channel without tenant to fail")
	}
}

func TestComponentLogsCarryOneComp(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "castbot.log")
	cfgm := writeConfig(t, strings.ReplaceAll(appYAML, "telegram:\n", "logging:\n  level: debug\n  file:\n    enabled: true\n    path: "+logPath+"\ntelegram:\n"))
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, err := newApp(context.Background(), cfgm, cfg, &fakeAdapter{})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	_ = a.assets.Close()
	_ = a.store.Close()
	_ = a.logs.Close()

	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var sawRegistry bool
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if n := strings.Count(line, `"comp":`); n > 1 {
			t.Fatalf("line has %d comp keys: %s", n, line)
		}
		if strings.Contains(line, "channel provisioned") {
			sawRegistry = strings.Contains(line, `"comp":"channel.registry"`)
		}
	}
	if !sawRegistry {
		t.Fatalf("registry line missing or mistagged:\n%s", b)
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			Telegram: config.TelegramConfig{Token: "x"},
			Storage:  config.StorageConfig{Path: "/tmp/castbot.db"},
		}
	}
	neg := -1
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
	}{
		{"minimal", func(*config.Config) {}, false},
		{"missing token", func(c *config.Config) { c.Telegram.Token = "" }, true},
		{"bad group log", func(c *config.Config) { c.Telegram.GroupLog = "logs" }, true},
		{"postgres needs dsn", func(c *config.Config) { c.Storage.Driver = "postgres" }, true},
		{"unknown storage", func(c *config.Config) { c.Storage.Driver = "bolt" }, true},
		{"redis needs url", func(c *config.Config) { c.AssetCache.Driver = "redis" }, true},
		{"bad window", func(c *config.Config) { c.Dedup.StalenessWindow = "soon" }, true},
		{"bad audience", func(c *config.Config) { c.Dispatch.OperatorAudience = "everyone" }, true},
		{"negative retry", func(c *config.Config) { c.Broadcast.ThrottleRetryMax = &neg }, true},
		{"bad ops addr", func(c *config.Config) { c.Ops.Enabled = true; c.Ops.Addr = "9464" }, true},
		{"bad schedule", func(c *config.Config) { c.Housekeeping.Schedule = "every day" }, true},
		{"webhook needs url", func(c *config.Config) {
			c.Telegram.Webhook = &config.WebhookConfig{Listen: ":8443"}
		}, true},
		{"duplicate channel", func(c *config.Config) {
			c.Channels = []config.ChannelConfig{{ID: -1, Role: "staging"}, {ID: -1, Role: "operator"}}
		}, true},
		{"unknown role", func(c *config.Config) {
			c.Channels = []config.ChannelConfig{{ID: -1, Role: "admin"}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := validateConfig(c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestMapBroadcastConfigDefaults(t *testing.T) {
	bc, err := mapBroadcastConfig(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if bc.BatchDelay != broadcast.DefaultBatchDelay || bc.ThrottleRetryMax != broadcast.DefaultThrottleRetryMax || bc.NoThrottleRetry {
		t.Fatalf("defaults not applied: %+v", bc)
	}

	zero := 0
	bc, err = mapBroadcastConfig(&config.Config{Broadcast: config.BroadcastConfig{BatchDelay: "0s", ThrottleRetryMax: &zero}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if bc.BatchDelay != 0 || bc.ThrottleRetryMax != 0 || !bc.NoThrottleRetry {
		t.Fatalf("explicit zeros must be kept: %+v", bc)
	}
}

func TestMapHousekeepingDefaults(t *testing.T) {
	hc, err := mapHousekeepingConfig(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !hc.Enabled || hc.AuditRetention != defaultAuditRetention || hc.AssetTTL != 0 {
		t.Fatalf("unexpected defaults: %+v", hc)
	}
	off := false
	hc, _ = mapHousekeepingConfig(&config.Config{Housekeeping: config.HousekeepingConfig{Enabled: &off}})
	if hc.Enabled {
		t.Fatalf("explicit disable ignored")
	}
}

func TestRecordAuditWritesFinishedBroadcasts(t *testing.T) {
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	old := time.Now().Add(-2 * time.Hour)
	events := make(chan eventbus.Event, 3)
	events <- eventbus.Event{Type: eventbus.TopicContentAccepted, Time: old}
	events <- eventbus.Event{Type: eventbus.TopicBroadcastFinished, Time: old, Data: broadcast.FinishedEvent{
		JobID:   "bc:1",
		Ref:     transport.SourceRef{ChannelID: -1001, ContentID: 7},
		Summary: broadcast.Summary{Total: 2, Sent: 1, Failed: 1, Pruned: 1},
		Took:    1500 * time.Millisecond,
	}}
	close(events)

	recordAudit(context.Background(), st, events, logx.Nop())

	n, err := st.PruneAudit(context.Background(), time.Now().Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one audit row, pruned n=%d err=%v", n, err)
	}
}

func TestAuditEntryMarksCanceled(t *testing.T) {
	e := auditEntry(broadcast.FinishedEvent{Audience: "opt_in", Summary: broadcast.Summary{Total: 3, Canceled: true}, Took: 2 * time.Second}, time.Now())
	if e.Action != "broadcast" || e.Error != "canceled" || e.TookMS != 2000 || e.Audience != "opt_in" {
		t.Fatalf("unexpected entry %+v", e)
	}
}
