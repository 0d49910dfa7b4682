package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"castbot/internal/eventbus"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("broadcast queue full")
	ErrStopped   = errors.New("broadcast service stopped")
)

const (
	DefaultWorkers          = 2
	DefaultQueueSize        = 256
	DefaultBatchSize        = 25
	DefaultBatchDelay       = time.Second
	DefaultSendTimeout      = 10 * time.Second
	DefaultThrottleRetryMax = 5
	DefaultMaxRetryAfter    = time.Minute
)

// Config tunes the broadcaster. Zero fields take the defaults above, except
// BatchDelay where zero means no pause. RatePerSec <= 0 disables the global
// token bucket and NoThrottleRetry fails a recipient on its first throttle.
type Config struct {
	Workers          int
	QueueSize        int
	BatchSize        int
	BatchDelay       time.Duration
	RatePerSec       int
	SendTimeout      time.Duration
	ThrottleRetryMax int
	NoThrottleRetry  bool
	MaxRetryAfter    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	switch {
	case c.NoThrottleRetry:
		c.ThrottleRetryMax = 0
	case c.ThrottleRetryMax <= 0:
		c.ThrottleRetryMax = DefaultThrottleRetryMax
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = DefaultMaxRetryAfter
	}
	return c
}

// Job is one fan-out of one source message.
type Job struct {
	ID         string // assigned by Submit when empty
	Ref        transport.SourceRef
	Recipients []int64
	Forward    bool
	Audience   string // for logs and audit only
}

// Summary counts per-recipient results of one job. Throttled counts throttle
// signals, so one recipient may contribute several.
type Summary struct {
	Total     int
	Sent      int
	Failed    int
	Pruned    int
	Throttled int
	Canceled  bool
}

type JobStatus struct {
	ID        string
	Ref       transport.SourceRef
	Audience  string
	Total     int
	Summary   Summary
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

// FinishedEvent is published on eventbus.TopicBroadcastFinished.
type FinishedEvent struct {
	JobID    string
	Ref      transport.SourceRef
	Audience string
	Summary  Summary
	Took     time.Duration
}

// Pruner deactivates a permanently unreachable recipient.
type Pruner interface {
	Prune(ctx context.Context, recipientID int64) (bool, error)
}

type Service struct {
	mu sync.Mutex

	cfg       Config
	deliverer transport.Deliverer
	pruner    Pruner
	bus       eventbus.Bus
	log       logx.Logger

	limiter *rate.Limiter
	queue   chan Job
	stopCh  chan struct{}
	// stopDone is non-nil while Stop is in progress; closed when workers have exited.
	stopDone chan struct{}

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// test hook, called before each batch starts
	onBatch func(index, size int)
}
