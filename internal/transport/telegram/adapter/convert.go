package adapter

import (
	"strings"
	"time"
	"unicode"

	tele "gopkg.in/telebot.v4"

	"castbot/internal/transport"
)

func contentFromMessage(m *tele.Message, received time.Time) transport.ContentEvent {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	ev := transport.ContentEvent{
		ChannelID:    m.Chat.ID,
		ContentID:    int64(m.ID),
		ReceivedAt:   received,
		OriginatedAt: m.Time(),
		Text:         text,
		Tags:         hashtags(text),
		Kind:         transport.ContentPlain,
	}
	switch {
	case m.Poll != nil:
		ev.Kind = transport.ContentPoll
	case m.IsForwarded():
		ev.Kind = transport.ContentForward
	}

	if media := m.Media(); media != nil {
		if f := media.MediaFile(); f != nil && f.FileID != "" {
			ev.Asset = &transport.Asset{FileID: f.FileID, MediaType: media.MediaType()}
			ev.AssetKey = firstLine(m.Caption)
		}
	}
	return ev
}

// hashtags returns the "#word" tokens of s without the '#', in order, unique.
func hashtags(s string) []string {
	var out []string
	seen := map[string]struct{}{}
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		if rs[i] != '#' || (i > 0 && isTagRune(rs[i-1])) {
			continue
		}
		j := i + 1
		for j < len(rs) && isTagRune(rs[j]) {
			j++
		}
		if j > i+1 {
			tag := string(rs[i+1 : j])
			if _, ok := seen[tag]; !ok {
				seen[tag] = struct{}{}
				out = append(out, tag)
			}
		}
		i = j - 1
	}
	return out
}

func isTagRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
