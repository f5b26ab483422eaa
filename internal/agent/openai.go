package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/memohai/dmbridge/internal/channel"
)

const defaultSystemPrompt = "You are a helpful assistant replying to direct messages on behalf of a business. Keep replies short and friendly."

// OpenAIRuntime answers with a chat completion. The session prompt becomes the
// system message; history is replayed as user/assistant turns.
type OpenAIRuntime struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func NewOpenAIRuntime(log *slog.Logger, apiKey, baseURL, model string) *OpenAIRuntime {
	if log == nil {
		log = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIRuntime{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: log.With(slog.String("component", "agent_openai")),
	}
}

func (o *OpenAIRuntime) GenerateReply(ctx context.Context, sessionID string, cc ConversationContext) (channel.ReplyPayload, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: buildChatMessages(cc),
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return channel.ReplyPayload{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return channel.ReplyPayload{}, channel.Transient("openai returned no choices", nil)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return channel.ReplyPayload{}, channel.Transient("openai returned an empty reply", nil)
	}
	o.logger.Debug("reply generated",
		slog.String("session_id", sessionID),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return channel.TextReply(text), nil
}

func buildChatMessages(cc ConversationContext) []openai.ChatCompletionMessage {
	prompt := strings.TrimSpace(cc.Prompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(cc.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt})
	for _, m := range cc.History {
		if m.ID == cc.Message.ID || strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.FromSelf {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: cc.Message.Text})
	return msgs
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return channel.Transient("openai unavailable", err)
		}
		return err
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 {
			return channel.Transient("openai unavailable", err)
		}
		return err
	}
	return channel.Transient("openai request failed", err)
}
