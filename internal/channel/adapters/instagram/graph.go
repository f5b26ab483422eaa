package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/memohai/dmbridge/internal/channel"
)

const maxGraphResponse = 4 << 20

// maxTextBytes is the Messenger Platform limit for one text message.
const maxTextBytes = 1000

// graphError is the error envelope returned by the Graph API.
type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Graph error codes that mean the access token is no longer usable.
var revokedCodes = map[int]bool{190: true, 102: true}

// Graph permission errors. These refuse one request, for example a reply
// outside the messaging window (subcode 2018278), while the token stays valid.
var permissionCodes = map[int]bool{10: true, 200: true}

// Graph error codes for throttling.
var throttledCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}

// graphClient issues authenticated Graph API calls for one token.
type graphClient struct {
	baseURL string
	http    *http.Client
}

func newGraphClient(ctx context.Context, baseURL string, token *oauth2.Token) *graphClient {
	return &graphClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)),
	}
}

func (g *graphClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := g.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build graph request: %w", err)
	}
	return g.do(req, out)
}

func (g *graphClient) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode graph request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/"+strings.TrimLeft(path, "/"), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, out)
}

func (g *graphClient) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+"/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return fmt.Errorf("build graph request: %w", err)
	}
	return g.do(req, nil)
}

func (g *graphClient) do(req *http.Request, out any) error {
	resp, err := g.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return channel.Transient("graph api unreachable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGraphResponse))
	if err != nil {
		return channel.Transient("read graph response", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return classifyGraphError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

// classifyGraphError maps a failed Graph response onto the channel error taxonomy.
func classifyGraphError(status int, body []byte) error {
	var ge graphError
	_ = json.Unmarshal(body, &ge)
	msg := strings.TrimSpace(ge.Error.Message)
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("graph api %d: %s", status, msg)
	if ge.Error.ErrorSubcode != 0 {
		msg = fmt.Sprintf("%s (code %d, subcode %d)", msg, ge.Error.Code, ge.Error.ErrorSubcode)
	}
	cause := errors.New(msg)

	switch {
	case revokedCodes[ge.Error.Code], status == http.StatusUnauthorized:
		return channel.AuthRevoked(msg, cause)
	case throttledCodes[ge.Error.Code], status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return channel.Transient(msg, cause)
	case permissionCodes[ge.Error.Code], status == http.StatusForbidden:
		return channel.Rejected(msg, cause)
	case status == http.StatusNotFound:
		return channel.NewError(channel.CodeNotFound, msg, cause)
	default:
		return channel.InvalidInput(msg, cause)
	}
}
