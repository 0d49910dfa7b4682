package adapter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"castbot/internal/transport"
)

// Deliver forwards (provenance visible) or copies the stored channel post to
// recipientID. telebot calls take no context, so the call runs in its own
// goroutine and ctx bounds how long we wait for it.
func (a *Adapter) Deliver(ctx context.Context, recipientID int64, ref transport.SourceRef, forward bool) transport.Outcome {
	if err := ctx.Err(); err != nil {
		return transport.Failed(err)
	}
	msg := tele.StoredMessage{MessageID: strconv.FormatInt(ref.ContentID, 10), ChatID: ref.ChannelID}
	to := tele.ChatID(recipientID)

	done := make(chan error, 1)
	go func() {
		var err error
		if forward {
			_, err = a.bot.Forward(to, msg)
		} else {
			_, err = a.bot.Copy(to, msg)
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return transport.Failed(ctx.Err())
	case err := <-done:
		return classify(err)
	}
}

// classify maps a Bot API error to a delivery outcome.
func classify(err error) transport.Outcome {
	if err == nil {
		return transport.Delivered()
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.Throttled(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return transport.Throttled(time.Duration(floodPtr.RetryAfter)*time.Second, err)
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound):
		return transport.Rejected(err)
	}

	var terr *tele.Error
	if errors.As(err, &terr) && terr != nil && terr.Code == 403 {
		return transport.Rejected(err)
	}
	// Fallback for errors telebot did not map to a registered value.
	if msg := strings.ToLower(err.Error()); strings.Contains(msg, "forbidden: bot was blocked") ||
		strings.Contains(msg, "forbidden: user is deactivated") {
		return transport.Rejected(err)
	}
	return transport.Failed(err)
}

const telegramTextLimit = 4000

// SendText sends plain text, split into chunks Telegram accepts.
func (a *Adapter) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	opt := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(tele.ChatID(chatID), chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText splits s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
