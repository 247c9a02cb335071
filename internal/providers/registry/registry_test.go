package registry

import (
	"testing"

	"github.com/mymyanmarland/claw-chat/internal/config"
)

func TestBuildSelectsStrategy(t *testing.T) {
	cases := map[string]string{
		config.ModeOpenRouter: "openrouter",
		config.ModeOpenClaw:   "openclaw",
	}
	for mode, want := range cases {
		p, err := Build(&config.Config{Mode: mode})
		if err != nil {
			t.Fatalf("build %s: %v", mode, err)
		}
		if p.Mode() != want {
			t.Fatalf("expected %s, got %s", want, p.Mode())
		}
	}

	if _, err := Build(&config.Config{Mode: "bedrock"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
