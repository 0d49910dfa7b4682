package broadcast

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"castbot/internal/eventbus"
	"castbot/internal/metrics"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

func New(cfg Config, deliverer transport.Deliverer, pruner Pruner, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		deliverer: deliverer,
		pruner:    pruner,
		bus:       bus,
		log:       log.With(logx.String("comp", "broadcast")),
		limiter:   newLimiter(cfg.RatePerSec),
		queue:     make(chan Job, cfg.QueueSize),
		status:    map[string]*JobStatus{},
		statusMax: defaultStatusMax,
		statusTTL: defaultStatusTTL,
	}
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// Apply swaps tuning at runtime. Running jobs pick it up at their next batch.
// Workers and QueueSize take effect on the next Start / New respectively.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter = newLimiter(cfg.RatePerSec)
	}
	s.cfg = cfg
}

func (s *Service) config() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start launches the worker pool. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	// If a Stop is in progress, wait for it so two pools never run.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue, idx)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}
	s.log.Info("service started", logx.Int("workers", workers), logx.Int("queue_cap", cap(queue)))
}

// Stop refuses new jobs, lets workers drain the queue and waits until ctx is
// done. On deadline the running jobs are canceled at their next batch boundary
// and Stop returns while workers finish in the background.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	close(stopCh)
	s.mu.Unlock()

	go func() {
		s.workerWG.Wait()
		if cancel != nil {
			cancel()
		}
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		s.log.Warn("stop deadline reached; canceling running jobs", logx.Int("queued", len(s.queue)))
	}
}

// stoppingLocked reports whether Submit must refuse jobs. s.mu must be held.
func (s *Service) stoppingLocked() bool {
	return s.stopCh == nil || s.stopDone != nil
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Job, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			s.execJob(ctx, j, idx)
		case <-stopCh:
			// Drain what was accepted before Stop.
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-queue:
					s.execJob(ctx, j, idx)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) execJob(ctx context.Context, j Job, idx int) {
	metrics.BroadcastQueueDepth.Set(float64(len(s.queue)))
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in broadcast job", logx.String("job", j.ID), logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.finish(j.ID, Summary{Total: len(j.Recipients), Failed: len(j.Recipients)})
		}
	}()

	start := time.Now()
	s.setRunning(j.ID)
	s.log.Info("broadcast job started", logx.String("job", j.ID), logx.String("ref", j.Ref.String()), logx.String("audience", j.Audience), logx.Int("total", len(j.Recipients)))

	sum := s.Run(ctx, j)
	took := time.Since(start)
	s.finish(j.ID, sum)

	state := "done"
	if sum.Canceled {
		state = "canceled"
	}
	metrics.BroadcastJobs.WithLabelValues(state).Inc()
	metrics.BroadcastDuration.Observe(took.Seconds())

	fields := []logx.Field{
		logx.String("job", j.ID),
		logx.String("ref", j.Ref.String()),
		logx.Int("total", sum.Total),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", sum.Failed),
		logx.Int("pruned", sum.Pruned),
		logx.Int("throttled", sum.Throttled),
		logx.Bool("canceled", sum.Canceled),
		logx.Duration("dur", took),
	}
	if sum.Failed > 0 || sum.Canceled {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TopicBroadcastFinished, Data: FinishedEvent{
		JobID:    j.ID,
		Ref:      j.Ref,
		Audience: j.Audience,
		Summary:  sum,
		Took:     took,
	}})
}
