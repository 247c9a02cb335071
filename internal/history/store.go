package history

import (
	"context"
	"time"
)

// DefaultLimit is the number of turns kept per user.
const DefaultLimit = 80

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single chat message. TS is unix milliseconds.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
	Model   string `json:"model,omitempty"`
}

func UserTurn(content string, at time.Time) Turn {
	return Turn{Role: RoleUser, Content: content, TS: at.UnixMilli()}
}

func AssistantTurn(content, model string, at time.Time) Turn {
	return Turn{Role: RoleAssistant, Content: content, TS: at.UnixMilli(), Model: model}
}

// Store maps a username to its bounded, chronologically ordered turns.
//
// Read never fails: unreadable backing data is treated as an empty history.
// AppendAndTruncate persists before returning and keeps only the newest
// turns up to the store limit.
type Store interface {
	Read(ctx context.Context, user string) []Turn
	Clear(ctx context.Context, user string) error
	AppendAndTruncate(ctx context.Context, user string, turns ...Turn) error
	Close() error
}

// Truncate returns the last limit turns of in, preserving order.
func Truncate(in []Turn, limit int) []Turn {
	if limit <= 0 || len(in) <= limit {
		return in
	}
	out := make([]Turn, limit)
	copy(out, in[len(in)-limit:])
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
