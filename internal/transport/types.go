package transport

import (
	"context"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateContent UpdateKind = "content"
	UpdateCommand UpdateKind = "command"
)

// Update is what an adapter hands to the app: either a channel post or a
// private chat command.
type Update struct {
	Kind    UpdateKind
	Content *ContentEvent
	Command *Command
}

type ContentKind string

const (
	ContentPlain   ContentKind = "plain"
	ContentPoll    ContentKind = "poll"
	ContentForward ContentKind = "forward"
)

// ContentEvent is one post observed in a source channel. It is never persisted;
// only ChannelID and ContentID reach storage.
type ContentEvent struct {
	ChannelID    int64
	ContentID    int64 // monotonic ordinal within the channel
	ReceivedAt   time.Time
	OriginatedAt time.Time
	Text         string
	Tags         []string
	Kind         ContentKind

	// Staging uploads only.
	AssetKey string
	Asset    *Asset
}

// Ref returns the transport reference of the event's content.
func (e ContentEvent) Ref() SourceRef {
	return SourceRef{ChannelID: e.ChannelID, ContentID: e.ContentID}
}

// Asset identifies an uploaded media file by its transport file id.
type Asset struct {
	FileID    string
	MediaType string
}

// SourceRef points at content in a source channel.
type SourceRef struct {
	ChannelID int64
	ContentID int64
}

func (r SourceRef) String() string { return fmt.Sprintf("%d/%d", r.ChannelID, r.ContentID) }

// Command is a private chat command such as "/start tenant-a".
type Command struct {
	ChatID int64
	FromID int64
	Name   string
	Args   []string
}

type OutcomeKind int

const (
	OutcomeDelivered OutcomeKind = iota
	OutcomeThrottled
	OutcomeRejected
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeRejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration // OutcomeThrottled only
	Err        error
}

func Delivered() Outcome { return Outcome{Kind: OutcomeDelivered} }

func Throttled(after time.Duration, err error) Outcome {
	if after < 0 {
		after = 0
	}
	return Outcome{Kind: OutcomeThrottled, RetryAfter: after, Err: err}
}

// Rejected means the recipient can never be reached again without re-enrollment.
func Rejected(err error) Outcome { return Outcome{Kind: OutcomeRejected, Err: err} }

func Failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }

// Deliverer propagates source content to one recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID int64, ref SourceRef, forward bool) Outcome
}

// Adapter is a messaging platform connection.
type Adapter interface {
	Deliverer
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}
