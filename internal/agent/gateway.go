package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/dmbridge/internal/channel"
)

// GatewayClient asks an external agent gateway for replies over HTTP.
type GatewayClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewGatewayClient(log *slog.Logger, baseURL string, timeout time.Duration) *GatewayClient {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("component", "agent_gateway")),
	}
}

type gatewayReplyResponse struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	Reply   channel.ReplyPayload `json:"reply"`
}

func (g *GatewayClient) GenerateReply(ctx context.Context, sessionID string, cc ConversationContext) (channel.ReplyPayload, error) {
	if g.baseURL == "" {
		return channel.ReplyPayload{}, channel.NewError(channel.CodeConfigMissing, "agent gateway url is not configured", nil)
	}
	cc.SessionID = sessionID
	body, err := json.Marshal(cc)
	if err != nil {
		return channel.ReplyPayload{}, fmt.Errorf("encode reply request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/reply", bytes.NewReader(body))
	if err != nil {
		return channel.ReplyPayload{}, fmt.Errorf("build reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return channel.ReplyPayload{}, channel.Transient("agent gateway unreachable", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.ReplyPayload{}, channel.Transient("read agent gateway response", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return channel.ReplyPayload{}, channel.Transient(fmt.Sprintf("agent gateway status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 300 {
		return channel.ReplyPayload{}, fmt.Errorf("agent gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out gatewayReplyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return channel.ReplyPayload{}, fmt.Errorf("decode agent gateway response: %w", err)
	}
	if !out.Success {
		return channel.ReplyPayload{}, fmt.Errorf("agent gateway: %s", out.Error)
	}
	if err := out.Reply.Validate(); err != nil {
		return channel.ReplyPayload{}, err
	}
	g.logger.Debug("reply generated", slog.String("session_id", sessionID), slog.String("kind", string(out.Reply.Kind)))
	return out.Reply, nil
}
