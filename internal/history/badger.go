package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const badgerKeyPrefix = "history:"

const badgerGCInterval = 5 * time.Minute

// BadgerStore keeps one key per user in an embedded badger database.
// Writers are serialised in-process; each mutation is one read-write
// transaction.
type BadgerStore struct {
	db     *badger.DB
	limit  int
	logger zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

type BadgerConfig struct {
	Path     string
	InMemory bool
	Limit    int
	Logger   zerolog.Logger
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is empty")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &BadgerStore{db: db, limit: normalizeLimit(cfg.Limit), logger: cfg.Logger}
	if !cfg.InMemory {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.gcLoop()
	}
	return s, nil
}

func (s *BadgerStore) gcLoop() {
	defer close(s.done)
	t := time.NewTicker(badgerGCInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

var _ Store = (*BadgerStore)(nil)

func (s *BadgerStore) Read(_ context.Context, user string) []Turn {
	var turns []Turn
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		turns, err = getTurns(txn, user)
		return err
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user", user).Msg("badger history unreadable, using empty history")
		return []Turn{}
	}
	if turns == nil {
		return []Turn{}
	}
	return turns
}

func (s *BadgerStore) Clear(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return putTurns(txn, user, []Turn{})
	})
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *BadgerStore) AppendAndTruncate(_ context.Context, user string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getTurns(txn, user)
		if err != nil {
			existing = nil
		}
		return putTurns(txn, user, Truncate(append(existing, turns...), s.limit))
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	return s.db.Close()
}

func getTurns(txn *badger.Txn, user string) ([]Turn, error) {
	item, err := txn.Get([]byte(badgerKeyPrefix + user))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []Turn
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &turns)
	})
	if err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	return turns, nil
}

func putTurns(txn *badger.Txn, user string, turns []Turn) error {
	b, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}
	return txn.Set([]byte(badgerKeyPrefix+user), b)
}
