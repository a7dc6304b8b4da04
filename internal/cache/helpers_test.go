package cache

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func readFile(t *testing.T, file CachedFile) string {
	t.Helper()
	rc, err := file.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type memorySource struct {
	data   []byte
	opened *atomic.Int32
	closed *atomic.Int32
}

func (m memorySource) Open(ctx context.Context) (io.ReadCloser, error) {
	if m.opened != nil {
		m.opened.Add(1)
	}
	return &trackingCloser{Reader: bytes.NewReader(m.data), closed: m.closed}, nil
}

func (m memorySource) Location() string { return "memory://" }

type trackingCloser struct {
	io.Reader
	closed *atomic.Int32
}

func (t *trackingCloser) Close() error {
	if t.closed != nil {
		t.closed.Add(1)
	}
	return nil
}

func memoryFile(name, content string) CachedFile {
	return NewCachedFile(name, int64(len(content)), 0o644, digest.FromString(content), memorySource{data: []byte(content)})
}

// fakeRemote 是内存中的 RemoteTier，err 非空时所有调用都失败。
type fakeRemote struct {
	mu      sync.Mutex
	entries map[string]map[string]string
	order   map[string][]string
	err     error
	purged  []time.Time

	gets  atomic.Int32
	puts  atomic.Int32
	delay time.Duration
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entries: make(map[string]map[string]string),
		order:   make(map[string][]string),
	}
}

func (f *fakeRemote) seed(handle string, files ...[2]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[handle] = make(map[string]string)
	f.order[handle] = nil
	for _, file := range files {
		f.entries[handle][file[0]] = file[1]
		f.order[handle] = append(f.order[handle], file[0])
	}
}

func (f *fakeRemote) IsCached(ctx context.Context, handle string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[handle]
	return ok, nil
}

func (f *fakeRemote) GetCachedFiles(ctx context.Context, handle string) ([]CachedFile, error) {
	f.gets.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &TransportError{Op: "get_cached_files", Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[handle]
	if !ok {
		return nil, ErrNotFound
	}
	files := make([]CachedFile, 0, len(entry))
	for _, name := range f.order[handle] {
		files = append(files, memoryFile(name, entry[name]))
	}
	return files, nil
}

func (f *fakeRemote) CacheFile(ctx context.Context, handle string, names []string, bodies []io.Reader) error {
	f.puts.Add(1)
	if f.err != nil {
		return f.err
	}
	files := make([][2]string, len(names))
	for i, body := range bodies {
		data, err := io.ReadAll(body)
		if err != nil {
			return &TransportError{Op: "cache_file", Err: err}
		}
		files[i] = [2]string{names[i], string(data)}
	}
	f.seed(handle, files...)
	return nil
}

func (f *fakeRemote) Purge(ctx context.Context, cutoff time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.purged = append(f.purged, cutoff)
	f.mu.Unlock()
	return nil
}
