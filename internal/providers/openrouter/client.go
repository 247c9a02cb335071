package openrouter

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mymyanmarland/claw-chat/internal/providers"
)

const (
	Mode         = "openrouter"
	DefaultModel = "openrouter/auto"
)

// Catalog is the fixed set of models offered to clients.
var Catalog = []string{
	DefaultModel,
	"openai/gpt-4o-mini",
	"openai/gpt-4.1-mini",
	"openai/gpt-4.1",
	"google/gemini-2.0-flash-001",
	"anthropic/claude-3.5-sonnet",
	"meta-llama/llama-3.3-70b-instruct",
	"mistralai/mistral-large",
	"deepseek/deepseek-chat",
}

type Config struct {
	BaseURL      string
	APIKey       string
	Referer      string
	Title        string
	SystemPrompt string
}

// Client builds catalog-mode requests: system prompt followed by the whole
// stored conversation.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Mode() string { return Mode }

func (c *Client) Models() []string {
	out := make([]string, len(Catalog))
	copy(out, Catalog)
	return out
}

// ResolveModel substitutes the default for anything outside the catalog.
func (c *Client) ResolveModel(requested string) string {
	if providers.Contains(Catalog, requested) {
		return requested
	}
	return DefaultModel
}

func (c *Client) BuildRequest(in providers.ChatInput) (providers.UpstreamRequest, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return providers.UpstreamRequest{}, &providers.ConfigError{Missing: "OPENROUTER_API_KEY"}
	}
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return providers.UpstreamRequest{}, err
	}

	messages := make([]providers.Message, 0, len(in.History)+1)
	messages = append(messages, providers.Message{Role: "system", Content: c.cfg.SystemPrompt})
	for _, t := range in.History {
		messages = append(messages, providers.Message{Role: t.Role, Content: t.Content})
	}

	headers := map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
	}
	if c.cfg.Referer != "" {
		headers["HTTP-Referer"] = c.cfg.Referer
	}
	if c.cfg.Title != "" {
		headers["X-Title"] = c.cfg.Title
	}

	return providers.UpstreamRequest{
		URL:      endpointURL,
		Model:    c.ResolveModel(in.Model),
		Stream:   true,
		Messages: messages,
		Headers:  headers,
	}, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}
