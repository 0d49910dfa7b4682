package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/channel"
	"castbot/internal/config"
	"castbot/internal/dedup"
	"castbot/internal/dispatch"
	"castbot/internal/housekeeping"
	"castbot/internal/observability/opsserver"
	telegram "castbot/internal/transport/telegram/adapter"
	logx "castbot/pkg/logx"
)

const (
	defaultPipelineWorkers = 4
	defaultUpdateBuffer    = 256
	defaultEventTimeout    = 15 * time.Second
	defaultAuditRetention  = 30 * 24 * time.Hour
)

type pipelineSettings struct {
	workers      int
	buffer       int
	eventTimeout time.Duration
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	out := telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}
	if wh := cfg.Telegram.Webhook; wh != nil && strings.TrimSpace(wh.Listen) != "" {
		if strings.TrimSpace(wh.PublicURL) == "" {
			return telegram.Config{}, fmt.Errorf("telegram.webhook.public_url is required when listen is set")
		}
		out.Webhook = telegram.WebhookConfig{
			Listen:      strings.TrimSpace(wh.Listen),
			PublicURL:   strings.TrimSpace(wh.PublicURL),
			SecretToken: wh.SecretToken,
		}
	}
	return out, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// logChatID parses telegram.group_log; 0 means unset.
func logChatID(cfg *config.Config) (int64, error) {
	s := strings.TrimSpace(cfg.Telegram.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", s)
	}
	return id, nil
}

func mapPipelineConfig(cfg *config.Config) (pipelineSettings, error) {
	pc := cfg.Pipeline
	if pc.Workers < 0 || pc.UpdateBuffer < 0 {
		return pipelineSettings{}, fmt.Errorf("pipeline.workers and pipeline.update_buffer must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("pipeline.event_timeout", pc.EventTimeout, defaultEventTimeout)
	if err != nil {
		return pipelineSettings{}, err
	}
	out := pipelineSettings{workers: pc.Workers, buffer: pc.UpdateBuffer, eventTimeout: timeout}
	if out.workers == 0 {
		out.workers = defaultPipelineWorkers
	}
	if out.buffer == 0 {
		out.buffer = defaultUpdateBuffer
	}
	return out, nil
}

func mapDedupWindow(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationUnlessEmpty("dedup.staleness_window", cfg.Dedup.StalenessWindow, dedup.DefaultStalenessWindow)
}

func mapDispatchRules(cfg *config.Config) (dispatch.Rules, error) {
	dc := cfg.Dispatch
	r := dispatch.Rules{SuppressTags: dc.SuppressTags, PromoteTags: dc.PromoteTags}
	switch strings.ToLower(strings.TrimSpace(dc.OperatorAudience)) {
	case "", "opt_in", "optin":
	case "all":
		r.OperatorAll = true
	default:
		return dispatch.Rules{}, fmt.Errorf("dispatch.operator_audience: want opt_in or all, got %q", dc.OperatorAudience)
	}
	return r, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	bc := cfg.Broadcast
	if bc.Workers < 0 || bc.QueueSize < 0 || bc.BatchSize < 0 || bc.RatePerSec < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast: workers, queue_size, batch_size and rate_per_sec must be >= 0")
	}
	delay, err := config.ParseDurationUnlessEmpty("broadcast.batch_delay", bc.BatchDelay, broadcast.DefaultBatchDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	sendTO, err := config.ParseDurationOrDefault("broadcast.send_timeout", bc.SendTimeout, broadcast.DefaultSendTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	maxRetryAfter, err := config.ParseDurationOrDefault("broadcast.max_retry_after", bc.MaxRetryAfter, broadcast.DefaultMaxRetryAfter)
	if err != nil {
		return broadcast.Config{}, err
	}
	retryMax := broadcast.DefaultThrottleRetryMax
	if bc.ThrottleRetryMax != nil {
		if *bc.ThrottleRetryMax < 0 {
			return broadcast.Config{}, fmt.Errorf("broadcast.throttle_retry_max must be >= 0")
		}
		retryMax = *bc.ThrottleRetryMax
	}
	// An explicit 0 turns retries off; the broadcaster reads a bare 0 as default.
	return broadcast.Config{
		Workers:          bc.Workers,
		QueueSize:        bc.QueueSize,
		BatchSize:        bc.BatchSize,
		BatchDelay:       delay,
		RatePerSec:       bc.RatePerSec,
		SendTimeout:      sendTO,
		ThrottleRetryMax: retryMax,
		NoThrottleRetry:  retryMax == 0,
		MaxRetryAfter:    maxRetryAfter,
	}, nil
}

// mapOpsConfig validates and converts the ops section. It never starts the server.
func mapOpsConfig(cfg *config.Config) (opsserver.Config, error) {
	oc := cfg.Ops
	out := opsserver.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		PprofPrefix:   strings.TrimSpace(oc.PprofPrefix),
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:9464"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("ops.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
	}
	return out, nil
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	hc := cfg.Housekeeping
	out := housekeeping.Config{
		Enabled:  hc.Enabled == nil || *hc.Enabled,
		Schedule: strings.TrimSpace(hc.Schedule),
		Timezone: strings.TrimSpace(hc.Timezone),
	}
	var err error
	if out.AuditRetention, err = config.ParseDurationUnlessEmpty("housekeeping.audit_retention", hc.AuditRetention, defaultAuditRetention); err != nil {
		return out, err
	}
	if out.AssetTTL, err = config.ParseDurationField("housekeeping.asset_ttl", hc.AssetTTL); err != nil {
		return out, err
	}
	if out.Timeout, err = config.ParseDurationOrDefault("housekeeping.timeout", hc.Timeout, housekeeping.DefaultTimeout); err != nil {
		return out, err
	}
	return out, housekeeping.Validate(out)
}

func mapChannels(cfg *config.Config) ([]channel.Registration, error) {
	out := make([]channel.Registration, 0, len(cfg.Channels))
	seen := make(map[int64]struct{}, len(cfg.Channels))
	for i, c := range cfg.Channels {
		if c.ID == 0 {
			return nil, fmt.Errorf("channels[%d].id is required", i)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("channels[%d]: duplicate id %d", i, c.ID)
		}
		seen[c.ID] = struct{}{}
		role, err := channel.ParseRole(c.Role)
		if err != nil {
			return nil, fmt.Errorf("channels[%d]: %w", i, err)
		}
		tenant := strings.TrimSpace(c.Tenant)
		if role == channel.RoleTenant && tenant == "" {
			return nil, fmt.Errorf("channels[%d]: %w", i, channel.ErrTenantRequired)
		}
		out = append(out, channel.Registration{ChannelID: c.ID, Role: role, TenantID: tenant, Active: c.IsActive()})
	}
	return out, nil
}

// validateConfig runs every mapper; it is the hot-reload gate.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	checks := []func(*config.Config) error{
		check(mapTelegramConfig),
		check(logChatID),
		check(mapStorageConfig),
		check(mapAssetCacheConfig),
		check(mapPipelineConfig),
		check(mapDedupWindow),
		check(mapDispatchRules),
		check(mapBroadcastConfig),
		check(mapOpsConfig),
		check(mapHousekeepingConfig),
		check(mapChannels),
	}
	for _, c := range checks {
		if err := c(cfg); err != nil {
			return err
		}
	}
	return nil
}

func check[T any](mapFn func(*config.Config) (T, error)) func(*config.Config) error {
	return func(c *config.Config) error {
		_, err := mapFn(c)
		return err
	}
}
