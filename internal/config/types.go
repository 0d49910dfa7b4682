package config

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Pipeline     PipelineConfig     `json:"pipeline,omitempty"`
	Dedup        DedupConfig        `json:"dedup,omitempty"`
	Dispatch     DispatchConfig     `json:"dispatch,omitempty"`
	Broadcast    BroadcastConfig    `json:"broadcast,omitempty"`
	AssetCache   AssetCacheConfig   `json:"asset_cache,omitempty"`
	Ops          OpsConfig          `json:"ops,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`

	// Channels are provisioned into the registry at start and on reload.
	// Channels missing from the list are left as they are.
	Channels []ChannelConfig `json:"channels,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string         `json:"poll_timeout"`
	Webhook     *WebhookConfig `json:"webhook,omitempty"`
}

// WebhookConfig switches the adapter from long polling to a webhook when Listen is set.
type WebhookConfig struct {
	Listen      string `json:"listen"`
	PublicURL   string `json:"public_url"`
	SecretToken string `json:"secret_token,omitempty"` // do not log
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the relational store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/castbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://castbot@db/castbot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// PipelineConfig sizes the inbound dispatch loops.
//
// Defaults: workers 4, update_buffer 256, event_timeout "15s".
type PipelineConfig struct {
	Workers      int    `json:"workers,omitempty"`
	UpdateBuffer int    `json:"update_buffer,omitempty"`
	EventTimeout string `json:"event_timeout,omitempty"`
}

// DedupConfig. StalenessWindow defaults to "1h"; "0s" disables the freshness check.
type DedupConfig struct {
	StalenessWindow string `json:"staleness_window,omitempty"`
}

// DispatchConfig holds the policy tag lists. Matching is case-insensitive
// and a leading '#' is ignored.
type DispatchConfig struct {
	SuppressTags []string `json:"suppress_tags,omitempty"`
	PromoteTags  []string `json:"promote_tags,omitempty"`
	// OperatorAudience is "opt_in" (default) or "all".
	OperatorAudience string `json:"operator_audience,omitempty"`
}

// BroadcastConfig tunes the fan-out loop.
//
// Defaults (when fields are omitted):
//   - workers: 2
//   - queue_size: 256
//   - batch_size: 25
//   - batch_delay: "1s"
//   - rate_per_sec: 0 (no global bucket)
//   - send_timeout: "10s"
//   - throttle_retry_max: 5
//   - max_retry_after: "1m"
type BroadcastConfig struct {
	Workers          int    `json:"workers,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	BatchDelay       string `json:"batch_delay,omitempty"`
	RatePerSec       int    `json:"rate_per_sec,omitempty"`
	SendTimeout      string `json:"send_timeout,omitempty"`
	ThrottleRetryMax *int   `json:"throttle_retry_max,omitempty"`
	MaxRetryAfter    string `json:"max_retry_after,omitempty"`
}

// AssetCacheConfig selects where staging uploads are remembered.
type AssetCacheConfig struct {
	Driver    string `json:"driver,omitempty"`    // "store" (default) or "redis"
	RedisURL  string `json:"redis_url,omitempty"` // do not log
	KeyPrefix string `json:"key_prefix,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

// OpsConfig controls the operator HTTP server (/metrics, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// WriteTimeout defaults to 0 (disabled) so /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// HousekeepingConfig. Enabled defaults to true when omitted.
type HousekeepingConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Schedule       string `json:"schedule,omitempty"` // default "@every 1h"
	Timezone       string `json:"timezone,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"` // default "720h"
	AssetTTL       string `json:"asset_ttl,omitempty"`       // default "0s" (keep)
	Timeout        string `json:"timeout,omitempty"`
}

// ChannelConfig is one registry entry. Active defaults to true.
type ChannelConfig struct {
	ID     int64  `json:"id"`
	Role   string `json:"role"`
	Tenant string `json:"tenant,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

// IsActive reports the effective active flag.
func (c ChannelConfig) IsActive() bool { return c.Active == nil || *c.Active }
