// Package agent talks to the reply agent. The engine only needs
// GenerateReply; which backend answers is chosen per session by the
// provider named in its agent config.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memohai/dmbridge/internal/channel"
)

// ConversationContext is everything the agent gets to see for one inbound message.
type ConversationContext struct {
	SessionID      string            `json:"sessionId"`
	ConversationID string            `json:"conversationId"`
	Prompt         string            `json:"prompt"`
	Provider       string            `json:"provider"`
	Account        channel.Identity  `json:"account"`
	Message        channel.Message   `json:"message"`
	History        []channel.Message `json:"history,omitempty"`
}

// Runtime produces a reply for an inbound message.
type Runtime interface {
	GenerateReply(ctx context.Context, sessionID string, cc ConversationContext) (channel.ReplyPayload, error)
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, sessionID string, cc ConversationContext) (channel.ReplyPayload, error)

func (f RuntimeFunc) GenerateReply(ctx context.Context, sessionID string, cc ConversationContext) (channel.ReplyPayload, error) {
	return f(ctx, sessionID, cc)
}

// Router dispatches to a runtime by provider name.
type Router struct {
	logger          *slog.Logger
	defaultProvider string

	mu       sync.RWMutex
	runtimes map[string]Runtime
}

func NewRouter(log *slog.Logger, defaultProvider string) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		logger:          log.With(slog.String("component", "agent_router")),
		defaultProvider: normalizeProvider(defaultProvider),
		runtimes:        map[string]Runtime{},
	}
}

// Register binds a provider name to a runtime, replacing any previous binding.
func (r *Router) Register(provider string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[normalizeProvider(provider)] = rt
}

// Providers lists registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		out = append(out, name)
	}
	return out
}

func (r *Router) GenerateReply(ctx context.Context, sessionID string, cc ConversationContext) (channel.ReplyPayload, error) {
	provider := normalizeProvider(cc.Provider)
	if provider == "" {
		provider = r.defaultProvider
	}
	r.mu.RLock()
	rt, ok := r.runtimes[provider]
	if !ok {
		rt, ok = r.runtimes[r.defaultProvider]
	}
	r.mu.RUnlock()
	if !ok {
		return channel.ReplyPayload{}, channel.NewError(channel.CodeConfigMissing, fmt.Sprintf("no agent runtime for provider %q", provider), nil)
	}
	reply, err := rt.GenerateReply(ctx, sessionID, cc)
	if err != nil {
		return channel.ReplyPayload{}, err
	}
	if reply.Kind == "" {
		reply.Kind = channel.ReplyText
	}
	return reply, nil
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
