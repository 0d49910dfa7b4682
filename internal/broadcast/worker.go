package broadcast

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"castbot/internal/metrics"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Run executes j synchronously and returns its Summary. Cancellation of ctx
// stops scheduling further batches; attempts already in flight finish or
// time out on their own.
func (s *Service) Run(ctx context.Context, j Job) Summary {
	recipients := uniqueOrdered(j.Recipients)
	sum := Summary{Total: len(recipients)}
	if len(recipients) == 0 {
		return sum
	}

	var mu sync.Mutex
	record := func(fn func(*Summary)) {
		mu.Lock()
		fn(&sum)
		mu.Unlock()
	}

	batchIdx := 0
	for start := 0; start < len(recipients); {
		cfg, lim := s.config()
		if start > 0 && !sleepCtx(ctx, cfg.BatchDelay) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		end := min(start+cfg.BatchSize, len(recipients))
		batch := recipients[start:end]
		if s.onBatch != nil {
			s.onBatch(batchIdx, len(batch))
		}

		var wg sync.WaitGroup
		wg.Add(len(batch))
		for _, id := range batch {
			go func(id int64) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("panic delivering to recipient", logx.String("job", j.ID), logx.Int64("recipient_id", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
						record(func(sm *Summary) { sm.Failed++ })
					}
				}()
				s.deliverOne(ctx, cfg, lim, j, id, record)
			}(id)
		}
		wg.Wait()

		s.log.Debug("broadcast batch done", logx.String("job", j.ID), logx.Int("batch", batchIdx), logx.Int("size", len(batch)))
		s.setProgress(j.ID, sum)
		start = end
		batchIdx++
	}

	mu.Lock()
	defer mu.Unlock()
	if attempted := sum.Sent + sum.Failed; attempted < sum.Total {
		sum.Canceled = true
		// The remainder was never attempted.
		sum.Failed += sum.Total - attempted
	}
	return sum
}

func (s *Service) deliverOne(ctx context.Context, cfg Config, lim *rate.Limiter, j Job, id int64, record func(func(*Summary))) {
	fail := func() { record(func(sm *Summary) { sm.Failed++ }) }

	for attempt := 0; ; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				fail()
				return
			}
		}

		actx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		out := s.deliverer.Deliver(actx, id, j.Ref, j.Forward)
		cancel()
		metrics.Deliveries.WithLabelValues(out.Kind.String()).Inc()

		switch out.Kind {
		case transport.OutcomeDelivered:
			record(func(sm *Summary) { sm.Sent++ })
			return

		case transport.OutcomeThrottled:
			record(func(sm *Summary) { sm.Throttled++ })
			if attempt >= cfg.ThrottleRetryMax {
				s.log.Warn("throttle retries exhausted", logx.String("job", j.ID), logx.Int64("recipient_id", id), logx.Int("attempts", attempt+1), logx.Err(out.Err))
				fail()
				return
			}
			wait := out.RetryAfter
			if wait <= 0 {
				wait = backoff(attempt + 1)
			}
			wait = min(wait, cfg.MaxRetryAfter)
			s.log.Debug("recipient throttled", logx.String("job", j.ID), logx.Int64("recipient_id", id), logx.Int("attempt", attempt+1), logx.Duration("retry_after", wait))
			if !sleepCtx(ctx, wait) {
				fail()
				return
			}

		case transport.OutcomeRejected:
			pruned := s.prune(ctx, cfg, j, id)
			record(func(sm *Summary) {
				sm.Failed++
				if pruned {
					sm.Pruned++
				}
			})
			return

		default:
			err := out.Err
			if err == nil {
				err = errors.New("unknown delivery failure")
			}
			s.log.Warn("broadcast send failed", logx.String("job", j.ID), logx.Int64("recipient_id", id), logx.Err(err))
			fail()
			return
		}
	}
}

// prune reports whether id was flipped to inactive by this call.
func (s *Service) prune(ctx context.Context, cfg Config, j Job, id int64) bool {
	if s.pruner == nil {
		return false
	}
	// Pruning must outlive a canceled job context.
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	defer pcancel()
	flipped, err := s.pruner.Prune(pctx, id)
	if err != nil {
		s.log.Warn("prune failed", logx.String("job", j.ID), logx.Int64("recipient_id", id), logx.Err(err))
		return false
	}
	return flipped
}

// backoff applies when a throttle signal carries no retry-after:
// 500ms * 2^(attempt-1) with 0.7..1.3 jitter.
func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond
	for i := 1; i < attempt && d < 30*time.Second; i++ {
		d *= 2
	}
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}

// uniqueOrdered drops duplicate ids, keeping first occurrence order.
func uniqueOrdered(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
