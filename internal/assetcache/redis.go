package assetcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "castbot/pkg/logx"
)

const defaultKeyPrefix = "castbot:asset:"

type redisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type redisEntry struct {
	FileID    string `json:"file_id"`
	MediaType string `json:"media_type,omitempty"`
	ChannelID int64  `json:"channel_id"`
	ContentID int64  `json:"content_id"`
	CachedAt  int64  `json:"cached_at"` // unix ms
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Cache, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("asset_cache.redis_url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	log.Debug("redis asset cache connected", logx.String("addr", opts.Addr), logx.String("prefix", prefix))
	return &redisCache{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (c *redisCache) key(k string) string { return c.prefix + k }

func (c *redisCache) Put(ctx context.Context, e Entry) error {
	b, err := json.Marshal(redisEntry{
		FileID:    e.FileID,
		MediaType: e.MediaType,
		ChannelID: e.ChannelID,
		ContentID: e.ContentID,
		CachedAt:  e.CachedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	err = c.client.Set(ctx, c.key(e.Key), b, c.ttl).Err()
	observe("put", err, true)
	return err
}

func (c *redisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	b, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		observe("get", nil, false)
		return Entry{}, false, nil
	}
	observe("get", err, true)
	if err != nil {
		return Entry{}, false, err
	}
	var re redisEntry
	if err := json.Unmarshal(b, &re); err != nil {
		return Entry{}, false, fmt.Errorf("decode asset %q: %w", key, err)
	}
	return Entry{
		Key:       key,
		FileID:    re.FileID,
		MediaType: re.MediaType,
		ChannelID: re.ChannelID,
		ContentID: re.ContentID,
		CachedAt:  time.UnixMilli(re.CachedAt),
	}, true, nil
}

func (c *redisCache) Close() error { return c.client.Close() }
