package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mymyanmarland/claw-chat/internal/history"
)

// ErrConfiguration marks a provider that cannot be called because a
// required credential is unset.
var ErrConfiguration = errors.New("provider not configured")

type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return "Server missing " + e.Missing
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpstreamRequest is a fully built streaming chat-completions call.
type UpstreamRequest struct {
	URL      string
	Model    string
	Stream   bool
	User     string
	Messages []Message
	Headers  map[string]string
}

type payload struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	User     string    `json:"user,omitempty"`
	Messages []Message `json:"messages"`
}

func (r UpstreamRequest) Body() ([]byte, error) {
	b, err := json.Marshal(payload{Model: r.Model, Stream: r.Stream, User: r.User, Messages: r.Messages})
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, nil
}

func (r UpstreamRequest) HTTPRequest(ctx context.Context) (*http.Request, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// ChatInput is what a provider needs to build one upstream call. History
// already ends with the new user turn.
type ChatInput struct {
	User    string
	Model   string
	History []history.Turn
}

// Provider is one upstream strategy, chosen once at start-up.
type Provider interface {
	Mode() string
	Models() []string
	ResolveModel(requested string) string
	BuildRequest(in ChatInput) (UpstreamRequest, error)
}

func Contains(models []string, model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}
