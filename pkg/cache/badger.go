package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"permagate/pkg/types"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

const badgerKeyPrefix = "obj/"

type badgerRecord struct {
	Meta types.CacheMeta `cbor:"1,keyasint"`
	Data []byte          `cbor:"2,keyasint"`
}

// BadgerStore keeps objects as single badger values. It suits chunk pieces
// and small documents; writes are buffered in memory until Commit.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens a badger database at dir. An empty dir opens an
// in-memory database.
func NewBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) (*Object, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, missf(key, "not stored")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read badger cache: %w", err)
	}

	var rec badgerRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("Dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		s.Delete(ctx, key)
		return nil, missf(key, "unreadable record")
	}
	if rec.Meta.ContentLength >= 0 && int64(len(rec.Data)) != rec.Meta.ContentLength {
		s.logger.Warn("Dropping truncated cache entry",
			zap.String("key", key),
			zap.Int64("declared", rec.Meta.ContentLength),
			zap.Int("actual", len(rec.Data)))
		s.Delete(ctx, key)
		return nil, missf(key, "length mismatch")
	}

	return &Object{Meta: rec.Meta, Body: io.NopCloser(bytes.NewReader(rec.Data))}, nil
}

func (s *BadgerStore) Put(ctx context.Context, key string, meta types.CacheMeta) (Writer, error) {
	return &bufferWriter{
		key: key,
		commit: func(data []byte) error {
			raw, err := encMode.Marshal(badgerRecord{Meta: meta, Data: data})
			if err != nil {
				return fmt.Errorf("failed to encode cache record: %w", err)
			}
			return s.db.Update(func(txn *badger.Txn) error {
				return txn.Set([]byte(badgerKeyPrefix+key), raw)
			})
		},
	}, nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + key))
	})
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger cache is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// bufferWriter collects a body in memory and hands it to commit once.
type bufferWriter struct {
	key    string
	buf    bytes.Buffer
	commit func(data []byte) error
	done   bool
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("write to finished cache entry %s", w.key)
	}
	return w.buf.Write(p)
}

func (w *bufferWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.commit(w.buf.Bytes())
}

func (w *bufferWriter) Discard() error {
	w.done = true
	w.buf.Reset()
	return nil
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
