// Package housekeeping periodically trims data that only matters for a
// while: audit rows, cached staging assets and finished broadcast statuses.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"castbot/internal/metrics"
	logx "castbot/pkg/logx"
)

const (
	DefaultSchedule = "@every 1h"
	DefaultTimeout  = 2 * time.Minute
)

// Config controls the periodic pass. A zero retention disables that step.
type Config struct {
	Enabled        bool
	Schedule       string // cron spec; 5 or 6 fields, or a descriptor such as "@every 30m"
	Timezone       string
	AuditRetention time.Duration
	AssetTTL       time.Duration
	Timeout        time.Duration
}

// Store is the prunable part of storage.Store.
type Store interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	PruneAssets(ctx context.Context, before time.Time) (int64, error)
}

// StatusPruner is implemented by broadcast.Service.
type StatusPruner interface {
	PruneStatuses() int
}

// Report is the result of one pass.
type Report struct {
	Audit    int64
	Assets   int64
	Statuses int
}

type Service struct {
	mu       sync.Mutex
	cfg      Config
	store    Store
	statuses StatusPruner
	log      logx.Logger
	parser   cron.Parser
	now      func() time.Time

	c *cron.Cron
}

func New(cfg Config, store Store, statuses StatusPruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		statuses: statuses,
		log:      log.With(logx.String("comp", "housekeeping")),
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:      time.Now,
	}
}

// Validate checks the schedule and timezone without touching the service.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(schedule(cfg)); err != nil {
		return fmt.Errorf("housekeeping.schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("housekeeping.timezone: %w", err)
		}
	}
	return nil
}

func schedule(cfg Config) string {
	if s := strings.TrimSpace(cfg.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

// Start registers the periodic pass. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("housekeeping timezone %q: %w", tz, err)
		}
		loc = l
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	spec := schedule(s.cfg)
	base := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(base); err != nil {
			s.log.Warn("housekeeping pass failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("housekeeping schedule %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping started", logx.String("schedule", spec), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the config and restarts the schedule when it changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg

	if s.c == nil {
		if cfg.Enabled {
			return s.startLocked(ctx)
		}
		return nil
	}
	if cfg.Enabled && schedule(prev) == schedule(cfg) && strings.TrimSpace(prev.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	s.c.Stop()
	s.c = nil
	if !cfg.Enabled {
		s.log.Info("housekeeping disabled")
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce does one pass. Each step runs even if an earlier one failed.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := s.now()
	var (
		rep  Report
		errs []error
	)
	if cfg.AuditRetention > 0 && s.store != nil {
		n, err := s.store.PruneAudit(ctx, now.Add(-cfg.AuditRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("prune audit: %w", err))
		}
		rep.Audit = n
		metrics.HousekeepingRows.WithLabelValues("audit").Add(float64(n))
	}
	if cfg.AssetTTL > 0 && s.store != nil {
		n, err := s.store.PruneAssets(ctx, now.Add(-cfg.AssetTTL))
		if err != nil {
			errs = append(errs, fmt.Errorf("prune assets: %w", err))
		}
		rep.Assets = n
		metrics.HousekeepingRows.WithLabelValues("staging_assets").Add(float64(n))
	}
	if s.statuses != nil {
		rep.Statuses = s.statuses.PruneStatuses()
	}

	if rep.Audit > 0 || rep.Assets > 0 || rep.Statuses > 0 {
		s.log.Info("housekeeping pass", logx.Int64("audit", rep.Audit), logx.Int64("assets", rep.Assets), logx.Int("statuses", rep.Statuses))
	}
	return rep, errors.Join(errs...)
}
