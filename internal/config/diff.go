package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "castbot/pkg/logx"
)

// Restart-only sections: a change is reported but needs a process restart.
var RestartSections = []string{"asset_cache", "pipeline", "storage", "telegram"}

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets (tokens, DSNs, redis URLs) are only
// reported as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := oldCfg, newCfg
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if o.Telegram.Token != n.Telegram.Token ||
		strings.TrimSpace(o.Telegram.PollTimeout) != strings.TrimSpace(n.Telegram.PollTimeout) ||
		strings.TrimSpace(o.Telegram.GroupLog) != strings.TrimSpace(n.Telegram.GroupLog) ||
		!reflect.DeepEqual(o.Telegram.Webhook, n.Telegram.Webhook) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.Telegram.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(n.Telegram.GroupLog) != ""),
			logx.Bool("telegram.webhook", n.Telegram.Webhook != nil && n.Telegram.Webhook.Listen != ""),
		)
	}

	if o.Logging != n.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}

	if o.Storage != n.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(n.Storage.DSN) != ""),
		)
	}

	if o.Pipeline != n.Pipeline {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Int("pipeline.workers", n.Pipeline.Workers),
			logx.String("pipeline.event_timeout", n.Pipeline.EventTimeout),
		)
	}

	if strings.TrimSpace(o.Dedup.StalenessWindow) != strings.TrimSpace(n.Dedup.StalenessWindow) {
		changed = append(changed, "dedup")
		attrs = append(attrs, logx.String("dedup.staleness_window", strings.TrimSpace(n.Dedup.StalenessWindow)))
	}

	if !slices.Equal(o.Dispatch.SuppressTags, n.Dispatch.SuppressTags) ||
		!slices.Equal(o.Dispatch.PromoteTags, n.Dispatch.PromoteTags) ||
		o.Dispatch.OperatorAudience != n.Dispatch.OperatorAudience {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.suppress_tags", len(n.Dispatch.SuppressTags)),
			logx.Int("dispatch.promote_tags", len(n.Dispatch.PromoteTags)),
			logx.String("dispatch.operator_audience", n.Dispatch.OperatorAudience),
		)
	}

	if !reflect.DeepEqual(o.Broadcast, n.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.workers", n.Broadcast.Workers),
			logx.Int("broadcast.batch_size", n.Broadcast.BatchSize),
			logx.String("broadcast.batch_delay", n.Broadcast.BatchDelay),
			logx.Int("broadcast.rate_per_sec", n.Broadcast.RatePerSec),
		)
	}

	if o.AssetCache != n.AssetCache {
		changed = append(changed, "asset_cache")
		attrs = append(attrs,
			logx.String("asset_cache.driver", n.AssetCache.Driver),
			logx.Bool("asset_cache.redis_url_set", strings.TrimSpace(n.AssetCache.RedisURL) != ""),
			logx.String("asset_cache.ttl", n.AssetCache.TTL),
		)
	}

	if o.Ops != n.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", n.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(n.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(n.Ops.Token) != ""),
			logx.Bool("ops.pprof", n.Ops.Pprof),
		)
	}

	if !reflect.DeepEqual(o.Housekeeping, n.Housekeeping) {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.String("housekeeping.schedule", n.Housekeeping.Schedule),
			logx.String("housekeeping.audit_retention", n.Housekeeping.AuditRetention),
			logx.String("housekeeping.asset_ttl", n.Housekeeping.AssetTTL),
		)
	}

	if added, removed, modified := diffChannels(o.Channels, n.Channels); added+removed+modified > 0 {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Int("channels.added", added),
			logx.Int("channels.removed", removed),
			logx.Int("channels.modified", modified),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports which of the changed sections only take effect after a restart.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if slices.Contains(RestartSections, s) {
			out = append(out, s)
		}
	}
	return out
}

func diffChannels(oldL, newL []ChannelConfig) (added, removed, modified int) {
	byID := make(map[int64]ChannelConfig, len(oldL))
	for _, c := range oldL {
		byID[c.ID] = c
	}
	seen := make(map[int64]struct{}, len(newL))
	for _, c := range newL {
		seen[c.ID] = struct{}{}
		prev, ok := byID[c.ID]
		switch {
		case !ok:
			added++
		case prev.Role != c.Role || prev.Tenant != c.Tenant || prev.IsActive() != c.IsActive():
			modified++
		}
	}
	for id := range byID {
		if _, ok := seen[id]; !ok {
			removed++
		}
	}
	return added, removed, modified
}
