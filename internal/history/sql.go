package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLStore keeps one row per turn in a chat_turns table on sqlite or
// postgres. Appends and the trailing trim share one transaction.
type SQLStore struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
	limit  int
	logger zerolog.Logger
}

type SQLConfig struct {
	Driver string
	DSN    string
	Limit  int
	Logger zerolog.Logger
}

func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	driver := normalizeDriver(cfg.Driver)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	var driverName string
	switch driver {
	case "postgres":
		driverName = "pgx"
	case "sqlite":
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	switch driver {
	case "postgres":
		goose.SetBaseFS(migrations)
		if err := goose.SetDialect("postgres"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set goose dialect: %w", err)
		}
		if err := goose.UpContext(ctx, db, "migrations"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	case "sqlite":
		if err := initSQLiteSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &SQLStore{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
		limit:  normalizeLimit(cfg.Limit),
		logger: cfg.Logger,
	}, nil
}

var _ Store = (*SQLStore)(nil)

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (s *SQLStore) Read(ctx context.Context, user string) []Turn {
	turns, err := s.list(ctx, user)
	if err != nil {
		s.logger.Warn().Err(err).Str("user", user).Msg("sql history unreadable, using empty history")
		return []Turn{}
	}
	return turns
}

func (s *SQLStore) list(ctx context.Context, user string) ([]Turn, error) {
	q := s.sql.Select("role", "content", "ts", "model").
		From("chat_turns").
		Where(sq.Eq{"username": user}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list turns query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	out := make([]Turn, 0)
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.TS, &t.Model); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Clear(ctx context.Context, user string) error {
	sqlStr, args, err := s.sql.Delete("chat_turns").Where(sq.Eq{"username": user}).ToSql()
	if err != nil {
		return fmt.Errorf("build clear query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendAndTruncate(ctx context.Context, user string, turns ...Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(turns) > 0 {
		ins := s.sql.Insert("chat_turns").Columns("username", "role", "content", "ts", "model")
		for _, t := range turns {
			ins = ins.Values(user, t.Role, t.Content, t.TS, t.Model)
		}
		sqlStr, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert turns query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert turns: %w", err)
		}
	}

	trim := s.sql.Delete("chat_turns").
		Where(sq.Eq{"username": user}).
		Where(sq.Expr("id NOT IN (SELECT id FROM chat_turns WHERE username = ? ORDER BY id DESC LIMIT ?)", user, s.limit))
	sqlStr, args, err := trim.ToSql()
	if err != nil {
		return fmt.Errorf("build trim query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turns: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS chat_turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    ts INTEGER NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chat_turns_username_id ON chat_turns(username, id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}
