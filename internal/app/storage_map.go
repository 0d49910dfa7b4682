package app

import (
	"fmt"
	"strings"
	"time"

	"castbot/internal/assetcache"
	"castbot/internal/config"
	"castbot/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAssetCacheConfig(cfg *config.Config) (assetcache.Config, error) {
	ac := cfg.AssetCache
	ttl, err := config.ParseDurationField("asset_cache.ttl", ac.TTL)
	if err != nil {
		return assetcache.Config{}, err
	}
	out := assetcache.Config{
		Driver:    strings.ToLower(strings.TrimSpace(ac.Driver)),
		RedisURL:  strings.TrimSpace(ac.RedisURL),
		KeyPrefix: ac.KeyPrefix,
		TTL:       ttl,
	}
	switch out.Driver {
	case "", "store":
	case "redis":
		if out.RedisURL == "" {
			return assetcache.Config{}, fmt.Errorf("asset_cache.redis_url is required when asset_cache.driver=redis")
		}
	default:
		return assetcache.Config{}, fmt.Errorf("unknown asset_cache.driver: %s", ac.Driver)
	}
	return out, nil
}
