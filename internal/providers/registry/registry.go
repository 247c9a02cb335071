package registry

import (
	"fmt"
	"strings"

	"github.com/mymyanmarland/claw-chat/internal/config"
	"github.com/mymyanmarland/claw-chat/internal/providers"
	"github.com/mymyanmarland/claw-chat/internal/providers/openclaw"
	"github.com/mymyanmarland/claw-chat/internal/providers/openrouter"
)

// Build selects the upstream strategy for the configured mode.
func Build(cfg *config.Config) (providers.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", config.ModeOpenRouter:
		return openrouter.New(openrouter.Config{
			BaseURL:      cfg.OpenRouter.BaseURL,
			APIKey:       cfg.OpenRouter.APIKey,
			Referer:      cfg.OpenRouter.Referer,
			Title:        cfg.OpenRouter.Title,
			SystemPrompt: cfg.SystemPrompt,
		}), nil

	case config.ModeOpenClaw:
		return openclaw.New(openclaw.Config{
			GatewayURL:   cfg.OpenClaw.GatewayURL,
			GatewayToken: cfg.OpenClaw.GatewayToken,
			AgentID:      cfg.OpenClaw.AgentID,
			SessionKey:   cfg.OpenClaw.SessionKey,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
