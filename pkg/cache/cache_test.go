package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"permagate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "WxyZ0123456789abcdefghijklmnopqrstuvwxyzABC"

func newFSCache(t *testing.T) (*Cache, *FSStore) {
	t.Helper()
	fs, err := NewFSStore(t.TempDir(), true, nil)
	require.NoError(t, err)
	return New(nil, fs, nil, nil), fs
}

func readObject(t *testing.T, s Store, key string) ([]byte, types.CacheMeta) {
	t.Helper()
	obj, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	return data, obj.Meta
}

func put(t *testing.T, s Store, key string, meta types.CacheMeta, data []byte) {
	t.Helper()
	w, err := s.Put(context.Background(), key, meta)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Commit())
}

func TestStoresRoundTrip(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"fs": func(t *testing.T) Store {
			s, err := NewFSStore(t.TempDir(), true, nil)
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore("", nil)
			require.NoError(t, err)
			return s
		},
		"memory": func(t *testing.T) Store {
			s, err := NewMemoryStore(1<<20, 1<<16)
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			_, err := s.Get(ctx, testKey)
			assert.ErrorIs(t, err, types.ErrNotFound)

			data := []byte("permanent content")
			meta := types.CacheMeta{ContentType: "text/plain", ContentLength: int64(len(data))}
			put(t, s, testKey, meta, data)

			got, gotMeta := readObject(t, s, testKey)
			assert.Equal(t, data, got)
			assert.Equal(t, meta, gotMeta)

			// Chunk keys contain a slash.
			put(t, s, types.ChunkKey(testKey, 262144), types.CacheMeta{ContentLength: 3}, []byte("abc"))
			got, _ = readObject(t, s, types.ChunkKey(testKey, 262144))
			assert.Equal(t, []byte("abc"), got)

			require.NoError(t, s.Delete(ctx, testKey))
			_, err = s.Get(ctx, testKey)
			assert.ErrorIs(t, err, types.ErrNotFound)
			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestWriterDiscardLeavesNothing(t *testing.T) {
	_, fs := newFSCache(t)
	ctx := context.Background()

	w, err := fs.Put(ctx, testKey, types.CacheMeta{ContentLength: 10})
	require.NoError(t, err)
	w.Write([]byte("12345"))
	require.NoError(t, w.Discard())
	require.NoError(t, w.Commit())

	_, err = fs.Get(ctx, testKey)
	assert.ErrorIs(t, err, types.ErrNotFound)

	entries, err := os.ReadDir(fs.tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFSStoreDetectsTruncatedBody(t *testing.T) {
	_, fs := newFSCache(t)
	put(t, fs, testKey, types.CacheMeta{ContentLength: 6}, []byte("abcdef"))

	dataPath, _ := fs.paths(testKey)
	require.NoError(t, os.Truncate(dataPath, 3))

	_, err := fs.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// The bad entry was removed.
	_, err = os.Stat(dataPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFSStoreDetectsCorruption(t *testing.T) {
	_, fs := newFSCache(t)
	put(t, fs, testKey, types.CacheMeta{ContentLength: 6}, []byte("abcdef"))

	dataPath, _ := fs.paths(testKey)
	require.NoError(t, os.WriteFile(dataPath, []byte("abcxyz"), 0644))

	obj, err := fs.Get(context.Background(), testKey)
	require.NoError(t, err)
	defer obj.Body.Close()
	_, err = io.ReadAll(obj.Body)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestTeeAndServeRoundTrip(t *testing.T) {
	c, _ := newFSCache(t)
	data := bytes.Repeat([]byte("0123456789"), 10000)
	meta := types.CacheMeta{ContentType: "application/pdf", ContentLength: int64(len(data))}

	var client bytes.Buffer
	n, err := c.TeeAndServe(context.Background(), testKey, meta, bytes.NewReader(data), &client)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, client.Bytes())

	cached, gotMeta := readObject(t, c, testKey)
	assert.Equal(t, client.Bytes(), cached)
	assert.Equal(t, "application/pdf", gotMeta.ContentType)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestTeeAndServeInterruptedSourceMisses(t *testing.T) {
	c, _ := newFSCache(t)
	src := &failingReader{data: []byte("only half"), err: errors.New("connection reset")}

	var client bytes.Buffer
	n, err := c.TeeAndServe(context.Background(), testKey, types.CacheMeta{ContentLength: 18}, src, &client)
	require.Error(t, err)
	assert.Equal(t, int64(9), n)

	_, err = c.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTeeAndServeShortSourceDiscardsQuietly(t *testing.T) {
	c, _ := newFSCache(t)

	var client bytes.Buffer
	n, err := c.TeeAndServe(context.Background(), testKey, types.CacheMeta{ContentLength: 100}, strings.NewReader("short"), &client)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "short", client.String())

	_, err = c.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

type brokenSink struct{}

func (brokenSink) Write(p []byte) (int, error) { return 0, errors.New("client went away") }

func TestTeeAndServeClientFailureDiscards(t *testing.T) {
	c, _ := newFSCache(t)

	_, err := c.TeeAndServe(context.Background(), testKey, types.CacheMeta{ContentLength: 4}, strings.NewReader("data"), brokenSink{})
	require.Error(t, err)

	_, err = c.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTeeAndServeCancelled(t *testing.T) {
	c, _ := newFSCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.TeeAndServe(ctx, testKey, types.CacheMeta{ContentLength: 4}, strings.NewReader("data"), io.Discard)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = c.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTeeReader(t *testing.T) {
	t.Run("FullRead", func(t *testing.T) {
		c, _ := newFSCache(t)
		r := c.NewTeeReader(context.Background(), testKey, types.CacheMeta{ContentLength: 5}, io.NopCloser(strings.NewReader("hello")))
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "hello", string(data))

		cached, _ := readObject(t, c, testKey)
		assert.Equal(t, "hello", string(cached))
	})

	t.Run("EarlyClose", func(t *testing.T) {
		c, _ := newFSCache(t)
		r := c.NewTeeReader(context.Background(), testKey, types.CacheMeta{ContentLength: 5}, io.NopCloser(strings.NewReader("hello")))
		buf := make([]byte, 2)
		_, err := r.Read(buf)
		require.NoError(t, err)
		require.NoError(t, r.Close())

		_, err = c.Get(context.Background(), testKey)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("CopyServesThroughTee", func(t *testing.T) {
		c, _ := newFSCache(t)
		r := c.NewTeeReader(context.Background(), testKey, types.CacheMeta{ContentLength: 5}, io.NopCloser(strings.NewReader("hello")))
		require.Implements(t, (*io.WriterTo)(nil), r)

		var client bytes.Buffer
		n, err := io.Copy(&client, r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, int64(5), n)
		assert.Equal(t, "hello", client.String())

		cached, _ := readObject(t, c, testKey)
		assert.Equal(t, "hello", string(cached))
	})

	t.Run("CopyToBrokenSinkDiscards", func(t *testing.T) {
		c, _ := newFSCache(t)
		r := c.NewTeeReader(context.Background(), testKey, types.CacheMeta{ContentLength: 5}, io.NopCloser(strings.NewReader("hello")))
		_, err := io.Copy(brokenSink{}, r)
		require.Error(t, err)
		require.NoError(t, r.Close())

		_, err = c.Get(context.Background(), testKey)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("CopyAfterPartialRead", func(t *testing.T) {
		c, _ := newFSCache(t)
		r := c.NewTeeReader(context.Background(), testKey, types.CacheMeta{ContentLength: 5}, io.NopCloser(strings.NewReader("hello")))
		buf := make([]byte, 2)
		_, err := r.Read(buf)
		require.NoError(t, err)

		var rest bytes.Buffer
		_, err = io.Copy(&rest, r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "llo", rest.String())

		cached, _ := readObject(t, c, testKey)
		assert.Equal(t, "hello", string(cached))
	})
}

func TestCachePromotesToHotTier(t *testing.T) {
	fs, err := NewFSStore(t.TempDir(), false, nil)
	require.NoError(t, err)
	hot, err := NewMemoryStore(1<<20, 16)
	require.NoError(t, err)
	c := New(hot, fs, nil, nil)
	ctx := context.Background()

	// Written straight to the cold tier, bypassing the hot one.
	put(t, fs, "small", types.CacheMeta{ContentLength: 4}, []byte("tiny"))
	put(t, fs, "large", types.CacheMeta{ContentLength: 32}, bytes.Repeat([]byte("x"), 32))

	data, _ := readObject(t, c, "small")
	assert.Equal(t, "tiny", string(data))
	data, _ = readObject(t, hot, "small")
	assert.Equal(t, "tiny", string(data))

	data, _ = readObject(t, c, "large")
	assert.Len(t, data, 32)
	_, err = hot.Get(ctx, "large")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, c.Delete(ctx, "small"))
	_, err = hot.Get(ctx, "small")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryStoreRejectsOversizedAndShort(t *testing.T) {
	hot, err := NewMemoryStore(1<<20, 4)
	require.NoError(t, err)
	defer hot.Close()

	put(t, hot, "big", types.CacheMeta{ContentLength: 5}, []byte("12345"))
	_, err = hot.Get(context.Background(), "big")
	assert.ErrorIs(t, err, types.ErrNotFound)

	put(t, hot, "short", types.CacheMeta{ContentLength: 4}, []byte("12"))
	_, err = hot.Get(context.Background(), "short")
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.False(t, hot.Fits(-1))
	assert.True(t, hot.Fits(4))
}

func TestLengthReader(t *testing.T) {
	r := newLengthReader(io.NopCloser(strings.NewReader("abc")), 5)
	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, types.ErrTruncated)

	r = newLengthReader(io.NopCloser(strings.NewReader("abcdef")), 5)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, types.ErrTruncated)

	r = newLengthReader(io.NopCloser(strings.NewReader("abcde")), 5)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(data))
}

func TestDeclaredLength(t *testing.T) {
	v := "42"
	assert.Equal(t, int64(42), declaredLength(map[string]*string{"Declared-Length": &v}))
	assert.Equal(t, int64(42), declaredLength(map[string]*string{"declared-length": &v}))
	assert.Equal(t, int64(-1), declaredLength(nil))
}
