package cache

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"permagate/pkg/types"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
}

// fsRecord is the sidecar written next to every committed body.
type fsRecord struct {
	Key    string          `cbor:"1,keyasint"`
	Meta   types.CacheMeta `cbor:"2,keyasint"`
	Size   int64           `cbor:"3,keyasint"`
	Digest []byte          `cbor:"4,keyasint"`
}

// FSStore keeps one file per object under a sharded directory tree. Bodies
// are written to a temp file and renamed into place on Commit, so a reader
// never observes a partial body.
type FSStore struct {
	dir    string
	tmp    string
	verify bool
	logger *zap.Logger
}

// NewFSStore creates dir if needed. With verify set, reads recompute the
// BLAKE3 digest and fail on mismatch.
func NewFSStore(dir string, verify bool, logger *zap.Logger) (*FSStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FSStore{
		dir:    dir,
		tmp:    tmp,
		verify: verify,
		logger: logger,
	}, nil
}

func (s *FSStore) paths(key string) (data, meta string) {
	sum := blake3.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	data = filepath.Join(s.dir, name[:2], name)
	return data, data + ".meta"
}

func (s *FSStore) Get(ctx context.Context, key string) (*Object, error) {
	dataPath, metaPath := s.paths(key)

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, missf(key, "not stored")
		}
		return nil, fmt.Errorf("failed to read cache metadata: %w", err)
	}

	var rec fsRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil || rec.Key != key {
		s.logger.Warn("Dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		s.remove(dataPath, metaPath)
		return nil, missf(key, "unreadable metadata")
	}

	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, missf(key, "body missing")
		}
		return nil, fmt.Errorf("failed to open cache body: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat cache body: %w", err)
	}
	if info.Size() != rec.Size || (rec.Meta.ContentLength >= 0 && rec.Meta.ContentLength != rec.Size) {
		f.Close()
		s.logger.Warn("Dropping truncated cache entry",
			zap.String("key", key),
			zap.Int64("declared", rec.Meta.ContentLength),
			zap.Int64("recorded", rec.Size),
			zap.Int64("actual", info.Size()))
		s.remove(dataPath, metaPath)
		return nil, missf(key, "length mismatch")
	}

	var body io.ReadCloser = f
	if s.verify {
		body = &digestReader{ReadCloser: f, hasher: blake3.New(), want: rec.Digest, key: key}
	}
	return &Object{Meta: rec.Meta, Body: body}, nil
}

func (s *FSStore) Put(ctx context.Context, key string, meta types.CacheMeta) (Writer, error) {
	f, err := os.CreateTemp(s.tmp, "put-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create cache temp file: %w", err)
	}
	return &fsWriter{store: s, key: key, meta: meta, file: f, hasher: blake3.New()}, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	dataPath, metaPath := s.paths(key)
	return s.remove(dataPath, metaPath)
}

func (s *FSStore) Ping(ctx context.Context) error {
	f, err := os.CreateTemp(s.tmp, "ping-*")
	if err != nil {
		return fmt.Errorf("cache directory not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func (s *FSStore) Close() error {
	return nil
}

func (s *FSStore) remove(paths ...string) error {
	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type fsWriter struct {
	store  *FSStore
	key    string
	meta   types.CacheMeta
	file   *os.File
	hasher hash.Hash
	size   int64
	done   bool
}

func (w *fsWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("write to finished cache entry %s", w.key)
	}
	n, err := w.file.Write(p)
	w.hasher.Write(p[:n])
	w.size += int64(n)
	return n, err
}

func (w *fsWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("failed to sync cache body: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to close cache body: %w", err)
	}

	rec := fsRecord{Key: w.key, Meta: w.meta, Size: w.size, Digest: w.hasher.Sum(nil)}
	raw, err := encMode.Marshal(rec)
	if err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to encode cache metadata: %w", err)
	}

	dataPath, metaPath := w.store.paths(w.key)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to create cache shard: %w", err)
	}

	metaTmp, err := os.CreateTemp(w.store.tmp, "meta-*")
	if err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to create cache metadata: %w", err)
	}
	if _, err := io.Copy(metaTmp, bytes.NewReader(raw)); err != nil {
		metaTmp.Close()
		os.Remove(metaTmp.Name())
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	metaTmp.Close()

	// Body first: a body without a sidecar is invisible to Get.
	if err := os.Rename(w.file.Name(), dataPath); err != nil {
		os.Remove(metaTmp.Name())
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to publish cache body: %w", err)
	}
	if err := os.Rename(metaTmp.Name(), metaPath); err != nil {
		os.Remove(metaTmp.Name())
		w.store.remove(dataPath)
		return fmt.Errorf("failed to publish cache metadata: %w", err)
	}
	return nil
}

func (w *fsWriter) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.abort()
}

func (w *fsWriter) abort() error {
	w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type digestReader struct {
	io.ReadCloser
	hasher hash.Hash
	want   []byte
	key    string
}

func (r *digestReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.hasher.Write(p[:n])
	if err == io.EOF && !bytes.Equal(r.hasher.Sum(nil), r.want) {
		return n, types.Validationf("cache entry %s failed digest check", r.key)
	}
	return n, err
}
