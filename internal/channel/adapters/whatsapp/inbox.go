package whatsapp

import (
	"sort"
	"sync"

	"go.mau.fi/whatsmeow/types"

	"github.com/memohai/dmbridge/internal/channel"
)

const defaultInboxDepth = 200

// inbox buffers the direct messages a session receives. WhatsApp pushes
// messages to the device and offers no history API, so conversations are
// listed from here.
type inbox struct {
	mu    sync.Mutex
	depth int
	chats map[string]*chatLog
}

type chatLog struct {
	conv     channel.Conversation
	messages []channel.Message
	seen     map[string]struct{}
	unread   []types.MessageID
}

func newInbox(depth int) *inbox {
	if depth <= 0 {
		depth = defaultInboxDepth
	}
	return &inbox{depth: depth, chats: map[string]*chatLog{}}
}

// add appends msg to its conversation. Duplicate ids are ignored; only
// inbound messages count as unread.
func (b *inbox) add(msg channel.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chats[msg.ConversationID]
	if !ok {
		c = &chatLog{
			conv: channel.Conversation{ID: msg.ConversationID, ParticipantID: msg.ConversationID},
			seen: map[string]struct{}{},
		}
		b.chats[msg.ConversationID] = c
	}
	if _, dup := c.seen[msg.ID]; dup {
		return false
	}
	c.seen[msg.ID] = struct{}{}
	c.messages = append(c.messages, msg)
	if over := len(c.messages) - b.depth; over > 0 {
		for _, old := range c.messages[:over] {
			delete(c.seen, old.ID)
		}
		c.messages = append([]channel.Message(nil), c.messages[over:]...)
	}
	if msg.CreatedAt.After(c.conv.UpdatedAt) {
		c.conv.UpdatedAt = msg.CreatedAt
	}
	if !msg.FromSelf {
		if msg.SenderName != "" {
			c.conv.Name = msg.SenderName
		}
		c.unread = append(c.unread, types.MessageID(msg.ID))
	}
	return true
}

// conversations lists chats, most recently active first.
func (b *inbox) conversations(limit int) []channel.Conversation {
	b.mu.Lock()
	out := make([]channel.Conversation, 0, len(b.chats))
	for _, c := range b.chats {
		out = append(out, c.conv)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// messages returns up to limit messages of a chat, newest first.
func (b *inbox) messages(conversationID string, limit int) []channel.Message {
	b.mu.Lock()
	c, ok := b.chats[conversationID]
	if !ok {
		b.mu.Unlock()
		return []channel.Message{}
	}
	src := append([]channel.Message(nil), c.messages...)
	b.mu.Unlock()

	sort.SliceStable(src, func(i, j int) bool {
		return src[i].CreatedAt.After(src[j].CreatedAt)
	})
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	return src
}

// takeUnread drains the unread message ids of a chat.
func (b *inbox) takeUnread(conversationID string) []types.MessageID {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chats[conversationID]
	if !ok {
		return nil
	}
	ids := c.unread
	c.unread = nil
	return ids
}

// putUnread gives back ids whose read receipt could not be sent.
func (b *inbox) putUnread(conversationID string, ids []types.MessageID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.chats[conversationID]; ok {
		c.unread = append(ids, c.unread...)
	}
}
