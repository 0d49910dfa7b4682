package assetcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

func TestKeyFor(t *testing.T) {
	if got := KeyFor(transport.ContentEvent{ChannelID: -5, ContentID: 9, AssetKey: " intro "}); got != "intro" {
		t.Fatalf("explicit key: %q", got)
	}
	if got := KeyFor(transport.ContentEvent{ChannelID: -5, ContentID: 9}); got != "-5:9" {
		t.Fatalf("fallback key: %q", got)
	}
}

func TestEntryForRequiresMedia(t *testing.T) {
	if _, ok := EntryFor(transport.ContentEvent{ChannelID: -5, ContentID: 1, Text: "just text"}); ok {
		t.Fatalf("text-only event must not produce an entry")
	}
	e, ok := EntryFor(transport.ContentEvent{ChannelID: -5, ContentID: 2, Asset: &transport.Asset{FileID: "f", MediaType: "video"}})
	if !ok || e.Key != "-5:2" || e.FileID != "f" || e.CachedAt.IsZero() {
		t.Fatalf("entry: %+v ok=%v", e, ok)
	}
}

func runCacheSuite(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	at := time.UnixMilli(time.Now().UnixMilli())

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}
	in := Entry{Key: "quiz-1", FileID: "AgAD1", MediaType: "photo", ChannelID: -3, ContentID: 11, CachedAt: at}
	if err := c.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	in.FileID = "AgAD2"
	if err := c.Put(ctx, in); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok, err := c.Get(ctx, "quiz-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.FileID != "AgAD2" || got.MediaType != "photo" || got.ContentID != 11 || !got.CachedAt.Equal(at) {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestStoreCache(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	c, err := Open(ctx, Config{}, st, logx.Nop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	runCacheSuite(t, c)
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("CASTBOT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CASTBOT_TEST_REDIS_URL not set")
	}
	c, err := Open(context.Background(), Config{Driver: "redis", RedisURL: url, KeyPrefix: "castbot:test:" + t.Name() + ":", TTL: time.Minute}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("open redis cache: %v", err)
	}
	defer c.Close()
	runCacheSuite(t, c)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "memcached"}, nil, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
