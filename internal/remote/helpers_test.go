package remote

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/buildcache/internal/cache"
	"github.com/any-hub/buildcache/internal/config"
	"github.com/any-hub/buildcache/internal/logging"
)

func newPeerManager(t *testing.T) *cache.Manager {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	manager, err := cache.NewManager(cache.ManagerOptions{Local: store, Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func newTestApp(t *testing.T, manager *cache.Manager) *fiber.App {
	t.Helper()
	app, err := NewApp(AppOptions{Logger: logging.Discard(), Manager: manager})
	require.NoError(t, err)
	return app
}

// startPeer 在随机端口上运行缓存节点并返回其基础 URL。
func startPeer(t *testing.T, manager *cache.Manager) string {
	t.Helper()
	app := newTestApp(t, manager)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func newTestClient(t *testing.T, baseURL, compression string) *Client {
	t.Helper()
	client, err := NewClient(config.RemoteConfig{
		Enabled:        true,
		Host:           baseURL,
		Timeout:        config.Duration(5 * time.Second),
		MaxRetries:     1,
		InitialBackoff: config.Duration(10 * time.Millisecond),
		Compression:    compression,
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func writeSource(t *testing.T, name, content string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), mode))
	require.NoError(t, os.Chmod(p, mode))
	return p
}

// unreachableURL 返回一个已关闭端口的地址。
func unreachableURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr
}
