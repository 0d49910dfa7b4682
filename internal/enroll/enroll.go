// Package enroll handles the private chat commands that add a recipient to
// (or return one to) the broadcast population.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const (
	CmdStart  = "start"
	CmdOptIn  = "optin"
	CmdOptOut = "optout"
)

var ErrUnknownCommand = errors.New("unknown command")

// Store is the recipient side of storage.Store.
type Store interface {
	GetRecipient(ctx context.Context, id int64) (storage.RecipientRecord, bool, error)
	UpsertRecipient(ctx context.Context, rec storage.RecipientRecord) error
	SetRecipientOptIn(ctx context.Context, id int64, optedIn bool) (bool, error)
}

// Replier sends a short confirmation back to the chat.
type Replier interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

type Handler struct {
	store Store
	reply Replier
	log   logx.Logger
}

// New returns a Handler. reply may be nil, in which case no confirmation is sent.
func New(store Store, reply Replier, log logx.Logger) *Handler {
	return &Handler{store: store, reply: reply, log: log.With(logx.String("comp", "enroll"))}
}

// Handle applies cmd. /start is the only way to reactivate a pruned recipient.
func (h *Handler) Handle(ctx context.Context, cmd transport.Command) error {
	id := cmd.FromID
	if id == 0 {
		id = cmd.ChatID
	}
	var (
		text string
		err  error
	)
	switch strings.ToLower(cmd.Name) {
	case CmdStart:
		text, err = h.start(ctx, id, cmd.Args)
	case CmdOptIn:
		text, err = h.setOptIn(ctx, id, true)
	case CmdOptOut:
		text, err = h.setOptIn(ctx, id, false)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
	if err != nil {
		return err
	}
	h.send(ctx, cmd.ChatID, text)
	return nil
}

func (h *Handler) start(ctx context.Context, id int64, args []string) (string, error) {
	prev, found, err := h.store.GetRecipient(ctx, id)
	if err != nil {
		return "", fmt.Errorf("enroll %d: %w", id, err)
	}
	rec := storage.RecipientRecord{ID: id, Active: true}
	if found {
		rec.TenantID = prev.TenantID
		rec.OptedIn = prev.OptedIn
	}
	if len(args) > 0 {
		if t := TenantArg(args[0]); t != "" {
			rec.TenantID = t
		}
	}
	if err := h.store.UpsertRecipient(ctx, rec); err != nil {
		return "", fmt.Errorf("enroll %d: %w", id, err)
	}

	switch {
	case found && !prev.Active:
		h.log.Info("recipient re-enrolled", logx.Int64("recipient_id", id), logx.String("tenant", rec.TenantID))
	case !found:
		h.log.Info("recipient enrolled", logx.Int64("recipient_id", id), logx.String("tenant", rec.TenantID))
	}
	if rec.TenantID != "" {
		return "You are subscribed to " + rec.TenantID + ".", nil
	}
	return "You are subscribed.", nil
}

func (h *Handler) setOptIn(ctx context.Context, id int64, on bool) (string, error) {
	found, err := h.store.SetRecipientOptIn(ctx, id, on)
	if err != nil {
		return "", fmt.Errorf("opt-in %d: %w", id, err)
	}
	if !found {
		return "Send /start first.", nil
	}
	if on {
		return "You will receive announcements.", nil
	}
	return "Announcements turned off.", nil
}

func (h *Handler) send(ctx context.Context, chatID int64, text string) {
	if h.reply == nil || text == "" {
		return
	}
	if err := h.reply.SendText(ctx, chatID, 0, text); err != nil {
		h.log.Warn("enroll reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// TenantArg normalizes a /start payload to a tenant id. Deep links only
// carry [A-Za-z0-9_-], anything else yields "".
func TenantArg(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 64 {
		return ""
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			return ""
		}
	}
	return s
}
