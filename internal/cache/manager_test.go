package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, remote RemoteTier, enabled bool) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerOptions{
		Local:         newTestStore(t),
		Remote:        remote,
		Enabled:       enabled,
		RemoteEnabled: remote != nil,
	})
	require.NoError(t, err)
	return manager
}

func TestNewManagerRequiresLocalStore(t *testing.T) {
	_, err := NewManager(ManagerOptions{Enabled: true})
	assert.Error(t, err)
}

func TestManagerExampleScenario(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil, true)
	src := writeSource(t, t.TempDir(), "build/out.o", "object code")

	assert.False(t, manager.IsCached(ctx, "abc123"))
	require.NoError(t, manager.CacheFile(ctx, "abc123", []string{"out.o"}, []string{src}))
	assert.True(t, manager.IsCached(ctx, "abc123"))

	files, ok := manager.GetCachedFiles(ctx, "abc123")
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.Equal(t, "out.o", files[0].OriginalName)

	target := t.TempDir()
	dest, err := files[0].CopyTo(ctx, target)
	require.NoError(t, err)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "object code", string(data))

	stats := manager.Statistics()
	assert.EqualValues(t, 1, stats.Hits)
	assert.Zero(t, stats.Missed)
	assert.Zero(t, stats.RemoteHits)
	assert.EqualValues(t, 1, stats.NumberOfCachedObjects)
	assert.EqualValues(t, 1, stats.NumberOfFiles)

	require.NoError(t, manager.Purge(ctx, time.Now()))
	assert.False(t, manager.IsCached(ctx, "abc123"))
	_, err = os.Stat(dest)
	assert.NoError(t, err, "copies handed to the caller outlive the entry")
}

func TestManagerCountsEveryLookupOnce(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("remote-only", [2]string{"r", "remote bytes"})
	manager := newTestManager(t, remote, true)
	src := writeSource(t, t.TempDir(), "l", "local bytes")
	require.NoError(t, manager.CacheFile(ctx, "local", []string{"l"}, []string{src}))

	handles := []string{"local", "remote-only", "missing", "local", "remote-only", "missing"}
	for _, h := range handles {
		manager.GetCachedFiles(ctx, h)
	}

	stats := manager.Statistics()
	assert.EqualValues(t, len(handles), stats.Lookups())
	assert.EqualValues(t, 3, stats.Hits)
	assert.EqualValues(t, 1, stats.RemoteHits)
	assert.EqualValues(t, 2, stats.Missed)

	manager.ResetStatistics()
	stats = manager.Statistics()
	assert.Zero(t, stats.Lookups())
	assert.EqualValues(t, 2, stats.NumberOfCachedObjects)
}

func TestManagerPromotesRemoteHit(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("h", [2]string{"bin/tool", "executable"}, [2]string{"tool.d", "deps"})
	manager := newTestManager(t, remote, true)

	assert.True(t, manager.IsCached(ctx, "h"))

	files, ok := manager.GetCachedFiles(ctx, "h")
	require.True(t, ok)
	require.Len(t, files, 2)
	assert.Equal(t, "bin/tool", files[0].OriginalName)
	assert.Equal(t, "executable", readFile(t, files[0]))
	assert.Equal(t, "deps", readFile(t, files[1]))
	assert.True(t, filepath.IsAbs(files[0].StoredLocation()), "promoted files must be served from the local tier")

	local, err := manager.Local().IsCached(ctx, "h")
	require.NoError(t, err)
	assert.True(t, local)

	again, ok := manager.GetCachedFiles(ctx, "h")
	require.True(t, ok)
	require.Len(t, again, len(files))
	for i := range files {
		assert.Equal(t, files[i].OriginalName, again[i].OriginalName)
		assert.Equal(t, files[i].Digest, again[i].Digest)
		assert.Equal(t, readFile(t, files[i]), readFile(t, again[i]), "local hit must return the promoted bytes")
	}
	assert.EqualValues(t, 1, remote.gets.Load())

	stats := manager.Statistics()
	assert.EqualValues(t, 1, stats.RemoteHits)
	assert.EqualValues(t, 1, stats.Hits)
}

func TestManagerConcurrentPromotionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.delay = 20 * time.Millisecond
	remote.seed("h", [2]string{"out", "shared"})
	manager := newTestManager(t, remote, true)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			files, ok := manager.GetCachedFiles(ctx, "h")
			results[i] = ok && len(files) == 1
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "caller %d", i)
	}
	stats := manager.Statistics()
	assert.EqualValues(t, callers, stats.Hits+stats.RemoteHits)
	assert.Zero(t, stats.Missed)
	assert.EqualValues(t, 1, stats.NumberOfCachedObjects)
	assert.EqualValues(t, 1, stats.NumberOfFiles)

	files, ok := manager.GetCachedFiles(ctx, "h")
	require.True(t, ok)
	assert.Equal(t, "shared", readFile(t, files[0]))
}

func TestManagerCancelledCallerDoesNotFailSharedPromotion(t *testing.T) {
	remote := newFakeRemote()
	remote.delay = 200 * time.Millisecond
	remote.seed("h", [2]string{"out", "shared"})
	manager := newTestManager(t, remote, true)

	first, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var firstOK, secondOK bool
	var secondFiles []CachedFile
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, firstOK = manager.GetCachedFiles(first, "h")
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		secondFiles, secondOK = manager.GetCachedFiles(context.Background(), "h")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.False(t, firstOK, "cancelled caller reports a miss")
	require.True(t, secondOK, "waiting caller still receives the promoted files")
	require.Len(t, secondFiles, 1)
	assert.Equal(t, "shared", readFile(t, secondFiles[0]))
	assert.EqualValues(t, 1, remote.gets.Load())

	stats := manager.Statistics()
	assert.EqualValues(t, 1, stats.Missed)
	assert.EqualValues(t, 1, stats.RemoteHits)
	assert.Zero(t, stats.Hits)
}

func TestManagerPromotionTimeout(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.delay = time.Second
	remote.seed("h", [2]string{"out", "slow"})
	manager, err := NewManager(ManagerOptions{
		Local:          newTestStore(t),
		Remote:         remote,
		Enabled:        true,
		RemoteEnabled:  true,
		PromoteTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	started := time.Now()
	_, ok := manager.GetCachedFiles(ctx, "h")
	assert.False(t, ok)
	assert.Less(t, time.Since(started), remote.delay)
	local, err := manager.Local().IsCached(ctx, "h")
	require.NoError(t, err)
	assert.False(t, local)
}

func TestManagerFilesOutliveLaterPurge(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil, true)
	src := writeSource(t, t.TempDir(), "f", "data")
	require.NoError(t, manager.CacheFile(ctx, "h", []string{"f"}, []string{src}))

	files, ok := manager.GetCachedFiles(ctx, "h")
	require.True(t, ok)
	require.NoError(t, manager.Purge(ctx, time.Now().Add(time.Hour)))
	require.False(t, manager.IsCached(ctx, "h"))

	copied, err := files[0].CopyTo(ctx, t.TempDir())
	require.NoError(t, err)
	data, err := os.ReadFile(copied)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestManagerDegradesWhenRemoteUnavailable(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.err = &TransportError{Op: "dial", Err: errors.New("connection refused")}
	manager := newTestManager(t, remote, true)
	src := writeSource(t, t.TempDir(), "f", "data")

	assert.False(t, manager.IsCached(ctx, "h"))
	_, ok := manager.GetCachedFiles(ctx, "h")
	assert.False(t, ok)

	require.NoError(t, manager.CacheFile(ctx, "h", []string{"f"}, []string{src}))
	assert.EqualValues(t, 1, remote.puts.Load())
	assert.True(t, manager.IsCached(ctx, "h"))

	require.NoError(t, manager.RemotePurge(ctx, time.Now()))

	stats := manager.Statistics()
	assert.EqualValues(t, 1, stats.Missed)
}

func TestManagerReplicatesWritesToRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	manager := newTestManager(t, remote, true)
	src := writeSource(t, t.TempDir(), "f", "replicated")

	require.NoError(t, manager.CacheFile(ctx, "h", []string{"out/f"}, []string{src}))

	files, err := remote.GetCachedFiles(ctx, "h")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "out/f", files[0].OriginalName)
	assert.Equal(t, "replicated", readFile(t, files[0]))

	cutoff := time.Now()
	require.NoError(t, manager.RemotePurge(ctx, cutoff))
	require.Len(t, remote.purged, 1)
	assert.True(t, remote.purged[0].Equal(cutoff))
}

func TestManagerKillSwitch(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("h", [2]string{"f", "remote"})
	manager := newTestManager(t, remote, false)
	src := writeSource(t, t.TempDir(), "f", "data")

	require.NoError(t, manager.CacheFile(ctx, "other", []string{"f"}, []string{src}))
	assert.False(t, manager.IsCached(ctx, "other"))
	assert.False(t, manager.IsCached(ctx, "h"))
	_, ok := manager.GetCachedFiles(ctx, "h")
	assert.False(t, ok)

	assert.Zero(t, remote.gets.Load())
	assert.Zero(t, remote.puts.Load())
	stats := manager.Statistics()
	assert.EqualValues(t, 1, stats.Missed)
	assert.Zero(t, stats.NumberOfCachedObjects)
}

func TestManagerRemoteDisabledIgnoresRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("h", [2]string{"f", "remote"})
	manager, err := NewManager(ManagerOptions{
		Local:         newTestStore(t),
		Remote:        remote,
		Enabled:       true,
		RemoteEnabled: false,
	})
	require.NoError(t, err)

	assert.False(t, manager.IsCached(ctx, "h"))
	_, ok := manager.GetCachedFiles(ctx, "h")
	assert.False(t, ok)
	assert.False(t, manager.RemoteConfigured())
	assert.Zero(t, remote.gets.Load())
}

func TestManagerContractErrors(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	manager := newTestManager(t, remote, true)
	src := writeSource(t, t.TempDir(), "f", "data")

	err := manager.CacheFile(ctx, "h", []string{"a", "b"}, []string{src})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, remote.puts.Load(), "rejected writes are not replicated")

	assert.False(t, manager.IsCached(ctx, ""))
	_, ok := manager.GetCachedFiles(ctx, "")
	assert.False(t, ok)
	assert.Zero(t, remote.gets.Load())

	assert.ErrorIs(t, manager.Purge(ctx, time.Time{}), ErrInvalidArgument)
	assert.ErrorIs(t, manager.RemotePurge(ctx, time.Time{}), ErrInvalidArgument)
}

func TestManagerPurgeIsLocalOnly(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	manager := newTestManager(t, remote, true)
	src := writeSource(t, t.TempDir(), "f", "data")
	require.NoError(t, manager.CacheFile(ctx, "h", []string{"f"}, []string{src}))

	require.NoError(t, manager.Purge(ctx, time.Now().Add(time.Hour)))

	local, err := manager.Local().IsCached(ctx, "h")
	require.NoError(t, err)
	assert.False(t, local)
	assert.Empty(t, remote.purged)
	assert.True(t, manager.IsCached(ctx, "h"), "remote copy still answers")
}

type closingRemote struct {
	*fakeRemote
	closed int
}

func (c *closingRemote) Close() error {
	c.closed++
	return nil
}

var _ io.Closer = (*closingRemote)(nil)

func TestManagerCloseIsIdempotent(t *testing.T) {
	remote := &closingRemote{fakeRemote: newFakeRemote()}
	manager := newTestManager(t, remote, true)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	assert.Equal(t, 1, remote.closed)

	_, err := manager.Local().IsCached(context.Background(), "h")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
