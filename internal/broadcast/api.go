package broadcast

import (
	"time"

	"github.com/google/uuid"

	"castbot/internal/metrics"
	logx "castbot/pkg/logx"
)

// Submit enqueues j and returns its id without waiting for delivery. It
// fails fast with ErrStopped when the service is not running and with
// ErrQueueFull when the queue has no room.
func (s *Service) Submit(j Job) (string, error) {
	if j.ID == "" {
		j.ID = "bc:" + uuid.NewString()
	}
	j.Recipients = uniqueOrdered(j.Recipients)

	// Stop closes stopCh under mu, so a job queued while mu is held is
	// always seen by the drain.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stoppingLocked() {
		metrics.BroadcastJobs.WithLabelValues("rejected_stopped").Inc()
		return j.ID, ErrStopped
	}

	now := time.Now()
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[j.ID] = &JobStatus{ID: j.ID, Ref: j.Ref, Audience: j.Audience, Total: len(j.Recipients), CreatedAt: now}
	s.statusMu.Unlock()

	select {
	case s.queue <- j:
		metrics.BroadcastQueueDepth.Set(float64(len(s.queue)))
		s.log.Debug("broadcast job enqueued", logx.String("job", j.ID), logx.String("ref", j.Ref.String()), logx.Int("total", len(j.Recipients)), logx.Int("queue_len", len(s.queue)), logx.Int("queue_cap", cap(s.queue)))
		return j.ID, nil
	default:
		metrics.BroadcastJobs.WithLabelValues("rejected_queue_full").Inc()
		s.log.Warn("broadcast queue full; rejecting job", logx.String("job", j.ID), logx.String("ref", j.Ref.String()), logx.Int("queue_cap", cap(s.queue)))
		s.finish(j.ID, Summary{Total: len(j.Recipients), Failed: len(j.Recipients), Canceled: true})
		return j.ID, ErrQueueFull
	}
}

// Status returns a copy of the job status.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	return *st, true
}

// QueueLen is the number of accepted jobs waiting for a worker.
func (s *Service) QueueLen() int { return len(s.queue) }

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) setProgress(id string, sum Summary) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Summary = sum
	}
}

func (s *Service) finish(id string, sum Summary) {
	now := time.Now()
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.Summary = sum
		st.DoneAt = now
		st.Running = false
	}
	s.statusMu.Unlock()
	s.pruneStatus(now)
}
