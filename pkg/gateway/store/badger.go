package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

type BadgerOptions struct {
	// Dir holds the data files. Required unless InMemory is set.
	Dir      string
	InMemory bool
	TTL      time.Duration
	Logger   *slog.Logger
}

// Badger is an embedded on-disk Store for single-node deployments.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger: logger.With("component", "badger")})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, ttl: opts.TTL}, nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's printf-style logging into slog. Info and debug
// chatter is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
