// Package pipeline is the inbound entry point: classify, deduplicate, decide,
// resolve and hand the broadcast to the fan-out queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"castbot/internal/assetcache"
	"castbot/internal/broadcast"
	"castbot/internal/channel"
	"castbot/internal/dedup"
	"castbot/internal/dispatch"
	"castbot/internal/eventbus"
	"castbot/internal/metrics"
	"castbot/internal/recipient"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Drop reasons reported on eventbus.TopicContentDropped, besides dispatch.Reason values.
const (
	DropUnknownChannel = "unknown_channel"
	DropDuplicate      = "duplicate"
	DropNoRecipients   = "no_recipients"
)

// Submitter is the enqueue side of broadcast.Service.
type Submitter interface {
	Submit(j broadcast.Job) (string, error)
}

// AcceptedEvent is published on eventbus.TopicContentAccepted once a job is queued.
type AcceptedEvent struct {
	Ref        transport.SourceRef
	Role       channel.Role
	Audience   string
	JobID      string
	Recipients int
	Forward    bool
}

// DroppedEvent is published on eventbus.TopicContentDropped.
type DroppedEvent struct {
	Ref    transport.SourceRef
	Role   channel.Role
	Reason string
}

type Deps struct {
	Classifier  *channel.Classifier
	Ledger      *dedup.Ledger
	Policy      *dispatch.Policy
	Resolver    *recipient.Resolver
	Broadcaster Submitter
	Assets      assetcache.Cache // optional; staging uploads are dropped without it
	Bus         eventbus.Bus
	Log         logx.Logger
}

type Pipeline struct {
	classifier  *channel.Classifier
	ledger      *dedup.Ledger
	policy      *dispatch.Policy
	resolver    *recipient.Resolver
	broadcaster Submitter
	assets      assetcache.Cache
	bus         eventbus.Bus
	log         logx.Logger
}

func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case d.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case d.Policy == nil:
		return nil, errors.New("pipeline: policy is required")
	case d.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	case d.Broadcaster == nil:
		return nil, errors.New("pipeline: broadcaster is required")
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	return &Pipeline{
		classifier:  d.Classifier,
		ledger:      d.Ledger,
		policy:      d.Policy,
		resolver:    d.Resolver,
		broadcaster: d.Broadcaster,
		assets:      d.Assets,
		bus:         d.Bus,
		log:         d.Log.With(logx.String("comp", "pipeline")),
	}, nil
}

// OnContentEvent processes one inbound event and returns once the broadcast
// is queued. Unknown channels, duplicates, stale and suppressed events are
// dropped without error. Errors after the watermark was raised are not
// retried: a redelivery of the same event is a duplicate.
func (p *Pipeline) OnContentEvent(ctx context.Context, ev transport.ContentEvent) error {
	ref := ev.Ref()
	src, ok, err := p.classifier.Classify(ctx, ev.ChannelID)
	if err != nil {
		metrics.ContentEvents.WithLabelValues("unknown", "error").Inc()
		return fmt.Errorf("classify %s: %w", ref, err)
	}
	if !ok {
		p.drop(ref, "", DropUnknownChannel)
		return nil
	}
	role := src.Role()

	if _, staging := src.(channel.StagingSource); staging {
		return p.cacheAsset(ctx, ev)
	}

	v, err := p.ledger.Observe(ctx, src, ev.ContentID, ev.OriginatedAt)
	if err != nil {
		metrics.ContentEvents.WithLabelValues(string(role), "error").Inc()
		return err
	}
	if !v.New {
		p.drop(ref, role, DropDuplicate)
		return nil
	}

	d := p.policy.Decide(src, dispatch.Payload{Text: ev.Text, Tags: ev.Tags, Kind: ev.Kind, Stale: v.Stale})
	if d.Suppress {
		p.drop(ref, role, string(d.Reason))
		return nil
	}

	ids, err := p.resolver.Resolve(ctx, d.Audience)
	if err != nil {
		metrics.ContentEvents.WithLabelValues(string(role), "error").Inc()
		return fmt.Errorf("content %s: %w", ref, err)
	}
	if len(ids) == 0 {
		p.drop(ref, role, DropNoRecipients)
		return nil
	}

	jobID, err := p.broadcaster.Submit(broadcast.Job{
		Ref:        ref,
		Recipients: ids,
		Forward:    d.Forward,
		Audience:   d.Audience.String(),
	})
	if err != nil {
		metrics.ContentEvents.WithLabelValues(string(role), "error").Inc()
		return fmt.Errorf("submit broadcast for %s: %w", ref, err)
	}

	metrics.ContentEvents.WithLabelValues(string(role), "accepted").Inc()
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicContentAccepted, Data: AcceptedEvent{
		Ref:        ref,
		Role:       role,
		Audience:   d.Audience.String(),
		JobID:      jobID,
		Recipients: len(ids),
		Forward:    d.Forward,
	}})
	p.log.Info("content accepted",
		logx.String("ref", ref.String()),
		logx.String("role", string(role)),
		logx.String("audience", d.Audience.String()),
		logx.Int("recipients", len(ids)),
		logx.Bool("forward", d.Forward),
		logx.String("job", jobID),
	)
	return nil
}

func (p *Pipeline) cacheAsset(ctx context.Context, ev transport.ContentEvent) error {
	e, ok := assetcache.EntryFor(ev)
	if !ok || p.assets == nil {
		p.drop(ev.Ref(), channel.RoleStaging, "no_asset")
		return nil
	}
	if err := p.assets.Put(ctx, e); err != nil {
		metrics.ContentEvents.WithLabelValues(string(channel.RoleStaging), "error").Inc()
		return fmt.Errorf("cache staging asset %q: %w", e.Key, err)
	}
	metrics.ContentEvents.WithLabelValues(string(channel.RoleStaging), "cached").Inc()
	p.log.Debug("staging asset cached", logx.String("key", e.Key), logx.String("media", e.MediaType))
	return nil
}

func (p *Pipeline) drop(ref transport.SourceRef, role channel.Role, reason string) {
	label := string(role)
	if label == "" {
		label = "unknown"
	}
	result := reason
	if reason == string(dispatch.ReasonExcludedTag) || reason == string(dispatch.ReasonNoAudience) {
		result = "suppressed"
	}
	metrics.ContentEvents.WithLabelValues(label, result).Inc()
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicContentDropped, Data: DroppedEvent{Ref: ref, Role: role, Reason: reason}})
	if p.log.Enabled(logx.LevelDebug) {
		p.log.Debug("content dropped", logx.String("ref", ref.String()), logx.String("role", label), logx.String("reason", reason))
	}
}

// CommandHandler consumes private chat commands.
type CommandHandler interface {
	Handle(ctx context.Context, cmd transport.Command) error
}

// Serve runs workers loops over in until ctx is done or in is closed. Each
// update gets its own timeout; errors are logged, never fatal.
func (p *Pipeline) Serve(ctx context.Context, in <-chan transport.Update, workers int, timeout time.Duration, commands CommandHandler) {
	if workers <= 0 {
		workers = 1
	}
	done := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			p.loop(ctx, in, timeout, commands)
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}

func (p *Pipeline) loop(ctx context.Context, in <-chan transport.Update, timeout time.Duration, commands CommandHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			p.handle(ctx, u, timeout, commands)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, u transport.Update, timeout time.Duration, commands CommandHandler) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	switch u.Kind {
	case transport.UpdateContent:
		if u.Content == nil {
			return
		}
		if err := p.OnContentEvent(ctx, *u.Content); err != nil {
			p.log.Error("content event failed", logx.String("ref", u.Content.Ref().String()), logx.Err(err))
		}
	case transport.UpdateCommand:
		if u.Command == nil || commands == nil {
			return
		}
		if err := commands.Handle(ctx, *u.Command); err != nil {
			p.log.Warn("command failed", logx.String("cmd", u.Command.Name), logx.Int64("chat_id", u.Command.ChatID), logx.Err(err))
		}
	}
}
