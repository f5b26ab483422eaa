// Package prune clips text to the limits a channel or agent accepts.
package prune

import (
	"strings"
	"unicode/utf8"

	"github.com/memohai/dmbridge/internal/channel"
)

const (
	Ellipsis = "…"
	// DefaultHistoryBytes bounds the history handed to the agent per message.
	DefaultHistoryBytes = 16 * 1024
)

// Text cuts s to at most maxBytes, ending on a rune boundary and marking the
// cut with Ellipsis. maxBytes <= 0 means unlimited.
func Text(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	budget := maxBytes - len(Ellipsis)
	if budget <= 0 {
		return safePrefix(s, maxBytes)
	}
	return strings.TrimRightFunc(safePrefix(s, budget), isSpace) + Ellipsis
}

// Reply clips the text and caption of a reply to the channel limit.
func Reply(p channel.ReplyPayload, maxBytes int) channel.ReplyPayload {
	p.Text = Text(p.Text, maxBytes)
	p.Caption = Text(p.Caption, maxBytes)
	return p
}

// History keeps the newest messages of an oldest-first slice whose combined
// text fits in maxBytes. The newest message is always kept, clipped if needed.
func History(msgs []channel.Message, maxBytes int) []channel.Message {
	if maxBytes <= 0 || len(msgs) == 0 {
		return msgs
	}
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		size := len(msgs[i].Text)
		if used+size > maxBytes && start < len(msgs) {
			break
		}
		used += size
		start = i
	}
	out := make([]channel.Message, len(msgs)-start)
	copy(out, msgs[start:])
	if len(out) == 1 && len(out[0].Text) > maxBytes {
		out[0].Text = Text(out[0].Text, maxBytes)
	}
	return out
}

func safePrefix(s string, maxBytes int) string {
	if maxBytes >= len(s) {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isSpace(r rune) bool { return r == ' ' || r == '\n' || r == '\t' || r == '\r' }
