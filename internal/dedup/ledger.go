// Package dedup decides whether a content event is new for its channel.
//
// The decision is a single atomic raise of the channel watermark inside the
// store. Two deliveries of the same content id, concurrent or not, in one
// process or several, yield exactly one New verdict.
package dedup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"castbot/internal/channel"
	"castbot/internal/metrics"
)

// DefaultStalenessWindow applies when the configured window is unset.
const DefaultStalenessWindow = time.Hour

// Watermarks is the storage primitive the ledger needs.
type Watermarks interface {
	RaiseWatermark(ctx context.Context, channelID, contentID int64, at time.Time) (bool, error)
}

// Verdict is the outcome of Observe. Stale is only meaningful when New is true:
// the watermark advanced but the content is older than the staleness window.
type Verdict struct {
	New   bool
	Stale bool
}

type Ledger struct {
	store  Watermarks
	window atomic.Int64 // time.Duration; <=0 disables staleness
	now    func() time.Time
}

type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(store Watermarks, window time.Duration, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	l.window.Store(int64(window))
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetWindow changes the staleness window at runtime. Zero or negative disables it.
func (l *Ledger) SetWindow(d time.Duration) { l.window.Store(int64(d)) }

func (l *Ledger) Window() time.Duration { return time.Duration(l.window.Load()) }

// Observe records contentID for src. Staging sources never touch the
// watermark and are always New. A stale verdict still commits the watermark,
// so the same content is not reconsidered after a restart.
func (l *Ledger) Observe(ctx context.Context, src channel.SourceContext, contentID int64, originatedAt time.Time) (Verdict, error) {
	switch src.(type) {
	case channel.StagingSource:
		return Verdict{New: true}, nil
	case channel.TenantSource, channel.OperatorSource:
	default:
		return Verdict{}, fmt.Errorf("dedup: unsupported source %T", src)
	}

	now := l.now()
	t0 := time.Now()
	raised, err := l.store.RaiseWatermark(ctx, src.Channel(), contentID, now)
	metrics.DedupLatency.Observe(time.Since(t0).Seconds())
	if err != nil {
		return Verdict{}, fmt.Errorf("raise watermark %d/%d: %w", src.Channel(), contentID, err)
	}
	if !raised {
		return Verdict{}, nil
	}

	w := l.Window()
	stale := w > 0 && !originatedAt.IsZero() && now.Sub(originatedAt) > w
	return Verdict{New: true, Stale: stale}, nil
}
