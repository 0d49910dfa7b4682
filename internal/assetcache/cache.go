// Package assetcache remembers media uploaded to the staging channel so the
// quiz and menu flows can resend it by file id without re-uploading.
package assetcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"castbot/internal/metrics"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Entry is one cached staging upload.
type Entry struct {
	Key       string
	FileID    string
	MediaType string
	ChannelID int64
	ContentID int64
	CachedAt  time.Time
}

type Cache interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, key string) (Entry, bool, error)
	Close() error
}

type Config struct {
	Driver    string // "store" (default) or "redis"
	RedisURL  string
	KeyPrefix string
	TTL       time.Duration // redis only; 0 keeps entries until overwritten
}

// Open builds the configured cache. The store driver persists into the
// staging_assets table of st.
func Open(ctx context.Context, cfg Config, st storage.Store, log logx.Logger) (Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "store":
		if st == nil {
			return nil, errors.New("asset cache: store driver needs a storage backend")
		}
		return &storeCache{st: st}, nil
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown asset cache driver: %q", cfg.Driver)
	}
}

// KeyFor returns the cache key of a staging event: the explicit asset key
// (caption first line) or "channel:content".
func KeyFor(ev transport.ContentEvent) string {
	if k := strings.TrimSpace(ev.AssetKey); k != "" {
		return k
	}
	return fmt.Sprintf("%d:%d", ev.ChannelID, ev.ContentID)
}

// EntryFor converts a staging event. ok is false when the event carries no media.
func EntryFor(ev transport.ContentEvent) (Entry, bool) {
	if ev.Asset == nil || ev.Asset.FileID == "" {
		return Entry{}, false
	}
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Entry{
		Key:       KeyFor(ev),
		FileID:    ev.Asset.FileID,
		MediaType: ev.Asset.MediaType,
		ChannelID: ev.ChannelID,
		ContentID: ev.ContentID,
		CachedAt:  at,
	}, true
}

func observe(op string, err error, hit bool) {
	switch {
	case err != nil:
		metrics.AssetCacheOps.WithLabelValues(op, "error").Inc()
	case !hit:
		metrics.AssetCacheOps.WithLabelValues(op, "miss").Inc()
	default:
		metrics.AssetCacheOps.WithLabelValues(op, "ok").Inc()
	}
}

type storeCache struct {
	st storage.Store
}

func (c *storeCache) Put(ctx context.Context, e Entry) error {
	err := c.st.PutAsset(ctx, storage.AssetRecord{
		Key:       e.Key,
		FileID:    e.FileID,
		MediaType: e.MediaType,
		ChannelID: e.ChannelID,
		ContentID: e.ContentID,
		CachedAt:  e.CachedAt,
	})
	observe("put", err, true)
	return err
}

func (c *storeCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	rec, ok, err := c.st.GetAsset(ctx, key)
	observe("get", err, ok)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return Entry{
		Key:       rec.Key,
		FileID:    rec.FileID,
		MediaType: rec.MediaType,
		ChannelID: rec.ChannelID,
		ContentID: rec.ContentID,
		CachedAt:  rec.CachedAt,
	}, true, nil
}

// Close is a no-op; the store is owned by the caller.
func (c *storeCache) Close() error { return nil }
