package history

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type Options struct {
	Backend   string
	File      string
	BadgerDir string
	DSN       string
	Limit     int
	Logger    zerolog.Logger
}

// Open builds the store named by opts.Backend: file, badger, sqlite or postgres.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "file":
		return NewFileStore(opts.File, opts.Limit, opts.Logger)
	case "badger":
		return OpenBadger(BadgerConfig{Path: opts.BadgerDir, Limit: opts.Limit, Logger: opts.Logger})
	case "sqlite", "postgres":
		return OpenSQL(ctx, SQLConfig{Driver: opts.Backend, DSN: opts.DSN, Limit: opts.Limit, Logger: opts.Logger})
	default:
		return nil, fmt.Errorf("unsupported history backend %q", opts.Backend)
	}
}
