package openclaw

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mymyanmarland/claw-chat/internal/history"
	"github.com/mymyanmarland/claw-chat/internal/providers"
)

const Mode = "openclaw"

type Config struct {
	GatewayURL   string
	GatewayToken string
	AgentID      string
	SessionKey   string
}

// Client targets one fixed gateway agent. The gateway keeps its own session
// state, so only the newest user message is forwarded.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = "http://127.0.0.1:18789"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "main"
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = "agent:" + cfg.AgentID + ":main"
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Mode() string { return Mode }

func (c *Client) model() string {
	return "openclaw:" + c.cfg.AgentID
}

func (c *Client) Models() []string {
	return []string{c.model()}
}

// ResolveModel ignores the request; there is only one agent.
func (c *Client) ResolveModel(string) string {
	return c.model()
}

func (c *Client) BuildRequest(in providers.ChatInput) (providers.UpstreamRequest, error) {
	if strings.TrimSpace(c.cfg.GatewayToken) == "" {
		return providers.UpstreamRequest{}, &providers.ConfigError{Missing: "OPENCLAW_GATEWAY_TOKEN"}
	}
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return providers.UpstreamRequest{}, err
	}

	return providers.UpstreamRequest{
		URL:    endpointURL,
		Model:  c.model(),
		Stream: true,
		User:   in.User,
		Messages: []providers.Message{
			{Role: history.RoleUser, Content: latestUserMessage(in.History)},
		},
		Headers: map[string]string{
			"Authorization":          "Bearer " + c.cfg.GatewayToken,
			"x-openclaw-agent-id":    c.cfg.AgentID,
			"x-openclaw-session-key": c.cfg.SessionKey,
		},
	}, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.cfg.GatewayURL))
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/chat/completions"
	return u.String(), nil
}

func latestUserMessage(turns []history.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == history.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
