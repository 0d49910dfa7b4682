package app

import (
	"context"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// auditWriteTimeout bounds one audit insert; the bus never waits on storage.
const auditWriteTimeout = 5 * time.Second

// recordAudit appends one audit row per finished broadcast until ctx is done
// or events is closed. Other topics are ignored.
func recordAudit(ctx context.Context, store storage.Store, events <-chan eventbus.Event, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TopicBroadcastFinished {
				continue
			}
			fe, ok := e.Data.(broadcast.FinishedEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
			err := store.AppendAudit(wctx, auditEntry(fe, e.Time))
			cancel()
			if err != nil {
				log.Warn("audit write failed", logx.String("job", fe.JobID), logx.Err(err))
			}
		}
	}
}

func auditEntry(fe broadcast.FinishedEvent, at time.Time) storage.AuditEntry {
	e := storage.AuditEntry{
		At:        at,
		Action:    "broadcast",
		ChannelID: fe.Ref.ChannelID,
		ContentID: fe.Ref.ContentID,
		Audience:  fe.Audience,
		Total:     fe.Summary.Total,
		OK:        fe.Summary.Sent,
		Fail:      fe.Summary.Failed,
		Pruned:    fe.Summary.Pruned,
		TookMS:    fe.Took.Milliseconds(),
	}
	if fe.Summary.Canceled {
		e.Error = "canceled"
	}
	return e
}
