package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/channel/adapters/instagram"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/seen"
)

var (
	_ connection.Store     = (*Connections)(nil)
	_ agentconfig.Store    = (*AgentConfigs)(nil)
	_ seen.WatermarkStore  = (*Watermarks)(nil)
	_ instagram.TokenStore = (*Tokens)(nil)
)

// Connections implements connection.Store.
type Connections struct {
	db DBTX
}

func NewConnections(db DBTX) *Connections {
	return &Connections{db: db}
}

func (s *Connections) Save(ctx context.Context, rec connection.Record) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO sessions (session_id, channel_kind, status, external_account_id, display_handle, last_error, connected_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO UPDATE SET
  channel_kind = EXCLUDED.channel_kind,
  status = EXCLUDED.status,
  external_account_id = EXCLUDED.external_account_id,
  display_handle = EXCLUDED.display_handle,
  last_error = EXCLUDED.last_error,
  connected_at = EXCLUDED.connected_at,
  updated_at = EXCLUDED.updated_at`,
		rec.SessionID, rec.ChannelKind.String(), string(rec.Status), rec.ExternalAccountID,
		rec.DisplayHandle, rec.LastError, nullTime(rec.ConnectedAt), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *Connections) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Connections) List(ctx context.Context) ([]connection.Record, error) {
	rows, err := s.db.Query(ctx, `
SELECT session_id, channel_kind, status, external_account_id, display_handle, last_error, connected_at, updated_at
FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []connection.Record
	for rows.Next() {
		var (
			rec         connection.Record
			kind        string
			status      string
			connectedAt *time.Time
		)
		if err := rows.Scan(&rec.SessionID, &kind, &status, &rec.ExternalAccountID, &rec.DisplayHandle,
			&rec.LastError, &connectedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.ChannelKind = channel.Kind(kind)
		rec.Status = connection.Status(status)
		rec.ConnectedAt = fromNullTime(connectedAt)
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AgentConfigs implements agentconfig.Store.
type AgentConfigs struct {
	db DBTX
}

func NewAgentConfigs(db DBTX) *AgentConfigs {
	return &AgentConfigs{db: db}
}

func (s *AgentConfigs) Get(ctx context.Context, sessionID string) (agentconfig.Config, error) {
	cfg := agentconfig.Config{SessionID: sessionID}
	err := s.db.QueryRow(ctx, `
SELECT prompt, provider, enabled, updated_at FROM agent_configs WHERE session_id = $1`, sessionID).
		Scan(&cfg.Prompt, &cfg.Provider, &cfg.Enabled, &cfg.UpdatedAt)
	if isNoRows(err) {
		return agentconfig.Config{}, agentconfig.ErrNotFound
	}
	if err != nil {
		return agentconfig.Config{}, fmt.Errorf("get agent config %s: %w", sessionID, err)
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, nil
}

func (s *AgentConfigs) Put(ctx context.Context, cfg agentconfig.Config) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO agent_configs (session_id, prompt, provider, enabled, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id) DO UPDATE SET
  prompt = EXCLUDED.prompt,
  provider = EXCLUDED.provider,
  enabled = EXCLUDED.enabled,
  updated_at = EXCLUDED.updated_at`,
		cfg.SessionID, cfg.Prompt, cfg.Provider, cfg.Enabled, cfg.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put agent config %s: %w", cfg.SessionID, err)
	}
	return nil
}

func (s *AgentConfigs) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM agent_configs WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete agent config %s: %w", sessionID, err)
	}
	return nil
}

// Watermarks implements seen.WatermarkStore. A missing row is the zero time.
type Watermarks struct {
	db DBTX
}

func NewWatermarks(db DBTX) *Watermarks {
	return &Watermarks{db: db}
}

func (s *Watermarks) LoadWatermark(ctx context.Context, sessionID string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(ctx, `SELECT seen_until FROM watermarks WHERE session_id = $1`, sessionID).Scan(&at)
	if isNoRows(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark %s: %w", sessionID, err)
	}
	return at.UTC(), nil
}

// SaveWatermark never moves a stored watermark backwards.
func (s *Watermarks) SaveWatermark(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO watermarks (session_id, seen_until) VALUES ($1, $2)
ON CONFLICT (session_id) DO UPDATE SET seen_until = GREATEST(watermarks.seen_until, EXCLUDED.seen_until)`,
		sessionID, at.UTC())
	if err != nil {
		return fmt.Errorf("save watermark %s: %w", sessionID, err)
	}
	return nil
}

func (s *Watermarks) DeleteWatermark(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM watermarks WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete watermark %s: %w", sessionID, err)
	}
	return nil
}

// Tokens implements instagram.TokenStore.
type Tokens struct {
	db DBTX
}

func NewTokens(db DBTX) *Tokens {
	return &Tokens{db: db}
}

func (s *Tokens) LoadToken(ctx context.Context, sessionID string) (*oauth2.Token, error) {
	var (
		tok     oauth2.Token
		expiry  *time.Time
		account string
	)
	err := s.db.QueryRow(ctx, `
SELECT access_token, token_type, refresh_token, expiry, account_id FROM channel_tokens WHERE session_id = $1`, sessionID).
		Scan(&tok.AccessToken, &tok.TokenType, &tok.RefreshToken, &expiry, &account)
	if isNoRows(err) {
		return nil, instagram.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", sessionID, err)
	}
	tok.Expiry = fromNullTime(expiry)
	if account != "" {
		return tok.WithExtra(map[string]any{"user_id": account}), nil
	}
	return &tok, nil
}

func (s *Tokens) SaveToken(ctx context.Context, sessionID string, token *oauth2.Token) error {
	if token == nil {
		return errors.New("token is nil")
	}
	account, _ := token.Extra("user_id").(string)
	_, err := s.db.Exec(ctx, `
INSERT INTO channel_tokens (session_id, access_token, token_type, refresh_token, expiry, account_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (session_id) DO UPDATE SET
  access_token = EXCLUDED.access_token,
  token_type = EXCLUDED.token_type,
  refresh_token = EXCLUDED.refresh_token,
  expiry = EXCLUDED.expiry,
  account_id = EXCLUDED.account_id,
  updated_at = now()`,
		sessionID, token.AccessToken, token.TokenType, token.RefreshToken, nullTime(token.Expiry), account)
	if err != nil {
		return fmt.Errorf("save token %s: %w", sessionID, err)
	}
	return nil
}

func (s *Tokens) DeleteToken(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM channel_tokens WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete token %s: %w", sessionID, err)
	}
	return nil
}
