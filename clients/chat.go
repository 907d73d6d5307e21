package clients

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned when a chat reply lacks choices[0].message.content.
var ErrMalformedResponse = errors.New("malformed chat response")

// --- Chat completions (OpenAI-compatible) ---
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
}

type chatResp struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat posts req to url, which is the full completions endpoint, and returns
// the first choice's content.
func (h *HTTP) Chat(ctx context.Context, url string, req ChatReq) (string, error) {
	var out chatResp
	if err := h.postJSON(ctx, "chat", url, req, &out); err != nil {
		var de *decodeError
		if errors.As(err, &de) {
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	msg := out.Choices[0].Message
	if msg == nil || msg.Content == nil {
		return "", fmt.Errorf("%w: choices[0].message.content missing", ErrMalformedResponse)
	}
	return *msg.Content, nil
}
