// Package instagram implements the token-based channel on the Instagram
// messaging Graph API. Sessions connect through an OAuth authorization code
// flow; the resulting access token is kept in a TokenStore.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/memohai/dmbridge/internal/channel"
)

// Config holds the OAuth app and Graph API settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	GraphBaseURL string
	Scopes       []string
}

// Adapter implements channel.Adapter, channel.Handshaker and channel.Restorer.
type Adapter struct {
	logger  *slog.Logger
	oauth   oauth2.Config
	graph   string
	tokens  TokenStore
	timeNow func() time.Time

	mu       sync.RWMutex
	accounts map[string]string
}

// NewAdapter creates the Instagram adapter. tokens may be nil for an
// in-memory store.
func NewAdapter(log *slog.Logger, cfg Config, tokens TokenStore) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if tokens == nil {
		tokens = NewMemoryTokenStore()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "instagram")),
		oauth: oauth2.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   strings.TrimSpace(cfg.AuthURL),
				TokenURL:  strings.TrimSpace(cfg.TokenURL),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		graph:    strings.TrimSpace(cfg.GraphBaseURL),
		tokens:   tokens,
		timeNow:  time.Now,
		accounts: map[string]string{},
	}
}

func (a *Adapter) Kind() channel.Kind { return channel.KindToken }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Kind:           channel.KindToken,
		Name:           "instagram",
		DisplayName:    "Instagram",
		SupportsImages: true,
		MaxTextBytes:   maxTextBytes,
	}
}

// BeginHandshake returns the authorization URL; the handle id travels as the
// OAuth state and comes back on the callback.
func (a *Adapter) BeginHandshake(_ context.Context, req channel.HandshakeRequest) (channel.HandshakeChallenge, error) {
	if a.oauth.ClientID == "" {
		return channel.HandshakeChallenge{}, channel.NewError(channel.CodeConfigMissing, "instagram client id is not configured", nil)
	}
	return channel.HandshakeChallenge{AuthURL: a.oauth.AuthCodeURL(req.HandleID)}, nil
}

// CompleteHandshake exchanges the authorization code for an access token.
func (a *Adapter) CompleteHandshake(ctx context.Context, req channel.HandshakeCompletion) error {
	code := req.Value("code")
	if code == "" {
		return channel.InvalidInput("authorization code is required", nil)
	}
	if state := req.Value("state"); state != "" && state != req.HandleID {
		return channel.InvalidInput("oauth state does not match the handshake", nil)
	}
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return classifyExchangeError(err)
	}
	if err := a.tokens.SaveToken(ctx, req.SessionID, token); err != nil {
		return fmt.Errorf("save instagram token: %w", err)
	}
	a.logger.Info("instagram token stored", slog.String("session_id", req.SessionID))
	return nil
}

// AbortHandshake has nothing to release: no token exists before the callback.
func (a *Adapter) AbortHandshake(context.Context, string) {}

// Restore checks the session still has a usable token.
func (a *Adapter) Restore(ctx context.Context, sessionID string, identity channel.Identity) error {
	if _, err := a.client(ctx, sessionID); err != nil {
		return err
	}
	a.rememberAccount(sessionID, identity.AccountID)
	return nil
}

func (a *Adapter) client(ctx context.Context, sessionID string) (*graphClient, error) {
	token, err := a.tokens.LoadToken(ctx, sessionID)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, channel.AuthRevoked("no instagram token for session", err)
	}
	if err != nil {
		return nil, channel.Transient("load instagram token", err)
	}
	if !token.Expiry.IsZero() && !token.Expiry.After(a.timeNow()) {
		return nil, channel.AuthRevoked("instagram token expired", nil)
	}
	return newGraphClient(ctx, a.graph, token), nil
}

type meResponse struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func (a *Adapter) FetchIdentity(ctx context.Context, sessionID string) (channel.Identity, error) {
	g, err := a.client(ctx, sessionID)
	if err != nil {
		return channel.Identity{}, err
	}
	var me meResponse
	if err := g.get(ctx, "me", url.Values{"fields": {"user_id,username,name"}}, &me); err != nil {
		return channel.Identity{}, err
	}
	account := me.UserID
	if account == "" {
		account = me.ID
	}
	if account == "" {
		return channel.Identity{}, channel.AuthRevoked("instagram returned no account id", nil)
	}
	a.rememberAccount(sessionID, account)
	handle := me.Username
	if handle != "" && !strings.HasPrefix(handle, "@") {
		handle = "@" + handle
	}
	return channel.Identity{AccountID: account, Handle: handle, DisplayName: me.Name}, nil
}

type participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type conversationsResponse struct {
	Data []struct {
		ID           string `json:"id"`
		UpdatedTime  string `json:"updated_time"`
		Participants struct {
			Data []participant `json:"data"`
		} `json:"participants"`
	} `json:"data"`
}

func (a *Adapter) ListConversations(ctx context.Context, sessionID string, limit int) ([]channel.Conversation, error) {
	g, err := a.client(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var resp conversationsResponse
	q := url.Values{
		"platform": {"instagram"},
		"fields":   {"id,updated_time,participants"},
		"limit":    {strconv.Itoa(clampLimit(limit))},
	}
	if err := g.get(ctx, "me/conversations", q, &resp); err != nil {
		return nil, err
	}
	self := a.selfID(ctx, sessionID)
	out := make([]channel.Conversation, 0, len(resp.Data))
	for _, c := range resp.Data {
		conv := channel.Conversation{ID: c.ID, UpdatedAt: parseGraphTime(c.UpdatedTime)}
		for _, p := range c.Participants.Data {
			if p.ID == self {
				continue
			}
			conv.ParticipantID = p.ID
			conv.Name = p.Username
			break
		}
		out = append(out, conv)
	}
	return out, nil
}

type messagesResponse struct {
	Data []struct {
		ID          string      `json:"id"`
		CreatedTime string      `json:"created_time"`
		Message     string      `json:"message"`
		From        participant `json:"from"`
		To          struct {
			Data []participant `json:"data"`
		} `json:"to"`
		Attachments struct {
			Data []struct {
				ImageData struct {
					URL string `json:"url"`
				} `json:"image_data"`
			} `json:"data"`
		} `json:"attachments"`
	} `json:"data"`
}

// ListMessages returns the newest messages of a conversation, newest first.
func (a *Adapter) ListMessages(ctx context.Context, sessionID, conversationID string, limit int) ([]channel.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, channel.InvalidInput("conversation id is required", nil)
	}
	g, err := a.client(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var resp messagesResponse
	q := url.Values{
		"fields": {"id,created_time,from,to,message,attachments"},
		"limit":  {strconv.Itoa(clampLimit(limit))},
	}
	if err := g.get(ctx, url.PathEscape(conversationID)+"/messages", q, &resp); err != nil {
		return nil, err
	}
	self := a.selfID(ctx, sessionID)
	out := make([]channel.Message, 0, len(resp.Data))
	for _, m := range resp.Data {
		msg := channel.Message{
			ID:             m.ID,
			ConversationID: conversationID,
			SenderID:       m.From.ID,
			SenderName:     m.From.Username,
			Text:           m.Message,
			FromSelf:       self != "" && m.From.ID == self,
			CreatedAt:      parseGraphTime(m.CreatedTime),
		}
		if len(m.To.Data) > 0 {
			msg.RecipientID = m.To.Data[0].ID
		}
		for _, att := range m.Attachments.Data {
			if att.ImageData.URL != "" {
				msg.Attachments = append(msg.Attachments, att.ImageData.URL)
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

type sendRecipient struct {
	ID string `json:"id"`
}

type sendRequest struct {
	Recipient    sendRecipient `json:"recipient"`
	Message      any           `json:"message,omitempty"`
	SenderAction string        `json:"sender_action,omitempty"`
}

// Send delivers a text or image reply. Image captions go out as a follow-up
// text message; the messaging API has no caption field.
func (a *Adapter) Send(ctx context.Context, sessionID, recipientID string, reply channel.ReplyPayload) error {
	if strings.TrimSpace(recipientID) == "" {
		return channel.InvalidInput("recipient id is required", nil)
	}
	if err := reply.Validate(); err != nil {
		return err
	}
	g, err := a.client(ctx, sessionID)
	if err != nil {
		return err
	}
	to := sendRecipient{ID: recipientID}
	if reply.Kind == channel.ReplyImage {
		img := sendRequest{Recipient: to, Message: map[string]any{
			"attachment": map[string]any{
				"type":    "image",
				"payload": map[string]string{"url": reply.ImageURL},
			},
		}}
		if err := g.post(ctx, "me/messages", img, nil); err != nil {
			return err
		}
		if strings.TrimSpace(reply.Caption) == "" {
			return nil
		}
		return g.post(ctx, "me/messages", sendRequest{Recipient: to, Message: map[string]string{"text": reply.Caption}}, nil)
	}
	return g.post(ctx, "me/messages", sendRequest{Recipient: to, Message: map[string]string{"text": reply.Text}}, nil)
}

func (a *Adapter) MarkSeen(ctx context.Context, sessionID, recipientID string) error {
	g, err := a.client(ctx, sessionID)
	if err != nil {
		return err
	}
	return g.post(ctx, "me/messages", sendRequest{Recipient: sendRecipient{ID: recipientID}, SenderAction: "mark_seen"}, nil)
}

// Disconnect revokes the app's permissions remotely, best effort, and drops
// the stored token. Already revoked tokens are not an error.
func (a *Adapter) Disconnect(ctx context.Context, sessionID string) error {
	if g, err := a.client(ctx, sessionID); err == nil {
		if err := g.delete(ctx, "me/permissions"); err != nil {
			switch channel.Classify(err) {
			case channel.CodeAuthRevoked, channel.CodeNotFound:
			default:
				a.logger.Warn("revoke instagram permissions failed",
					slog.String("session_id", sessionID),
					slog.Any("error", err),
				)
			}
		}
	}
	a.mu.Lock()
	delete(a.accounts, sessionID)
	a.mu.Unlock()
	if err := a.tokens.DeleteToken(ctx, sessionID); err != nil && !errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("delete instagram token: %w", err)
	}
	return nil
}

func (a *Adapter) rememberAccount(sessionID, accountID string) {
	if accountID == "" {
		return
	}
	a.mu.Lock()
	a.accounts[sessionID] = accountID
	a.mu.Unlock()
}

// selfID returns the session's own account id: the one seen on FetchIdentity
// or, before that, the user_id reported by the token endpoint.
func (a *Adapter) selfID(ctx context.Context, sessionID string) string {
	a.mu.RLock()
	id, ok := a.accounts[sessionID]
	a.mu.RUnlock()
	if ok {
		return id
	}
	token, err := a.tokens.LoadToken(ctx, sessionID)
	if err != nil {
		return ""
	}
	if v, ok := token.Extra("user_id").(string); ok {
		return v
	}
	return ""
}

func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return channel.Transient("instagram token endpoint unavailable", err)
		}
		return channel.AuthRevoked("instagram rejected the authorization code", err)
	}
	return channel.Transient("instagram token exchange failed", err)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 25
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func parseGraphTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
