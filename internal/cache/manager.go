package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/buildcache/internal/logging"
)

const (
	defaultPromoteConcurrency = 4
	defaultPromoteTimeout     = 5 * time.Minute
)

// ManagerOptions 描述 Manager 的组成与两个开关；构造后不可变。
type ManagerOptions struct {
	Local  *Store
	Remote RemoteTier
	// Enabled 为 false 时 IsCached/GetCachedFiles 总是未命中，CacheFile 为空操作。
	Enabled bool
	// RemoteEnabled 为 false 时即使注入了 Remote 也不访问。
	RemoteEnabled      bool
	Logger             *logrus.Logger
	PromoteConcurrency int
	// PromoteTimeout 限制一次远端提升的总时长；提升与发起它的调用方的 ctx 解耦，
	// 任一等待者取消只影响它自己。
	PromoteTimeout time.Duration
}

// Manager 是缓存的唯一入口：先查本地层，本地未命中且配置了远端时查远端，
// 远端命中的文件先复制到本地层，再以本地副本作为结果返回。
type Manager struct {
	local         *Store
	remote        RemoteTier
	enabled       bool
	remoteEnabled bool
	logger        *logrus.Logger
	concurrency   int
	timeout       time.Duration

	stats      ledger
	promotions singleflight.Group

	closeOnce sync.Once
	closeErr  error
}

// NewManager 校验依赖并构建 Manager。
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Local == nil {
		return nil, errors.New("local store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	concurrency := opts.PromoteConcurrency
	if concurrency <= 0 {
		concurrency = defaultPromoteConcurrency
	}
	timeout := opts.PromoteTimeout
	if timeout <= 0 {
		timeout = defaultPromoteTimeout
	}
	return &Manager{
		local:         opts.Local,
		remote:        opts.Remote,
		enabled:       opts.Enabled,
		remoteEnabled: opts.RemoteEnabled,
		logger:        logger,
		concurrency:   concurrency,
		timeout:       timeout,
	}, nil
}

// IsCached 依次询问本地层与（若配置）远端层；远端错误按未命中处理。
func (m *Manager) IsCached(ctx context.Context, handle string) bool {
	if !m.enabled {
		return false
	}

	ok, err := m.local.IsCached(ctx, handle)
	if err != nil {
		m.logLocalError("is_cached", handle, err)
		if errors.Is(err, ErrInvalidArgument) {
			return false
		}
	}
	if ok {
		return true
	}
	if !m.remoteConfigured() {
		return false
	}

	ok, err = m.remote.IsCached(ctx, handle)
	if err != nil {
		m.logRemoteError("is_cached", handle, err)
		return false
	}
	return ok
}

// GetCachedFiles 返回 handle 的本地文件集合。每次调用恰好记录一次 Hits、RemoteHits 或 Missed。
func (m *Manager) GetCachedFiles(ctx context.Context, handle string) ([]CachedFile, bool) {
	started := time.Now()
	files, outcome := m.lookup(ctx, handle)
	m.stats.record(outcome)

	tier := logging.TierLocal
	if outcome == outcomeRemoteHit {
		tier = logging.TierRemote
	}
	fields := logging.CacheFields("get_cached_files", handle, tier)
	fields["outcome"] = outcome.String()
	fields["files"] = len(files)
	fields["duration_ms"] = time.Since(started).Milliseconds()
	m.logger.WithFields(fields).Debug("cache_lookup")

	return files, outcome != outcomeMiss
}

func (m *Manager) lookup(ctx context.Context, handle string) ([]CachedFile, lookupOutcome) {
	if !m.enabled {
		return nil, outcomeMiss
	}

	files, err := m.local.GetCachedFiles(ctx, handle)
	switch {
	case err == nil:
		return files, outcomeHit
	case errors.Is(err, ErrNotFound):
	default:
		m.logLocalError("get_cached_files", handle, err)
		if errors.Is(err, ErrInvalidArgument) {
			return nil, outcomeMiss
		}
	}

	if !m.remoteConfigured() {
		return nil, outcomeMiss
	}

	ch := m.promotions.DoChan(handle, func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.promote(pctx, handle)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, outcomeMiss
		}
		return res.Val.([]CachedFile), outcomeRemoteHit
	case <-ctx.Done():
		// 提升继续在后台完成，结果留给其他等待者与之后的本地命中。
		return nil, outcomeMiss
	}
}

// promote 把远端文件复制到 scratch 目录，写入本地层后重新从本地读取。
// 失败原因已在此记录，调用方只需按未命中处理。
func (m *Manager) promote(ctx context.Context, handle string) ([]CachedFile, error) {
	remoteFiles, err := m.remote.GetCachedFiles(ctx, handle)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logRemoteError("get_cached_files", handle, err)
		}
		return nil, err
	}
	if len(remoteFiles) == 0 {
		return nil, ErrNotFound
	}

	scratch, release, err := m.local.ScratchDir("promote-*")
	if err != nil {
		m.logLocalError("promote", handle, err)
		return nil, err
	}
	defer release()

	names := make([]string, len(remoteFiles))
	paths := make([]string, len(remoteFiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, file := range remoteFiles {
		i, file := i, file
		names[i] = file.OriginalName
		g.Go(func() error {
			p, err := file.CopyTo(gctx, scratch)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logRemoteError("promote", handle, err)
		return nil, err
	}

	if err := m.local.CacheFile(ctx, handle, names, paths); err != nil {
		m.logLocalError("promote", handle, err)
		return nil, err
	}
	files, err := m.local.GetCachedFiles(ctx, handle)
	if err != nil {
		m.logLocalError("promote", handle, err)
		return nil, err
	}

	fields := logging.CacheFields("promote", handle, logging.TierRemote)
	fields["files"] = len(files)
	m.logger.WithFields(fields).Info("cache_promoted")
	return files, nil
}

// CacheFile 总是先写本地层；配置了远端时再以新打开的流上传，远端失败只记录日志。
func (m *Manager) CacheFile(ctx context.Context, handle string, names, sourcePaths []string) error {
	if !m.enabled {
		return nil
	}
	if err := m.local.CacheFile(ctx, handle, names, sourcePaths); err != nil {
		return err
	}
	if m.remoteConfigured() {
		m.pushRemote(ctx, handle, names, sourcePaths)
	}
	return nil
}

func (m *Manager) pushRemote(ctx context.Context, handle string, names, sourcePaths []string) {
	opened := make([]*os.File, 0, len(sourcePaths))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	bodies := make([]io.Reader, 0, len(sourcePaths))
	for _, p := range sourcePaths {
		f, err := os.Open(p)
		if err != nil {
			m.logRemoteError("cache_file", handle, fmt.Errorf("open %s: %w", p, err))
			return
		}
		opened = append(opened, f)
		bodies = append(bodies, f)
	}

	if err := m.remote.CacheFile(ctx, handle, names, bodies); err != nil {
		m.logRemoteError("cache_file", handle, err)
		return
	}
	fields := logging.CacheFields("cache_file", handle, logging.TierRemote)
	fields["files"] = len(names)
	m.logger.WithFields(fields).Debug("cache_replicated")
}

// Purge 只清理本地层；远端层由 RemotePurge 单独触发。
func (m *Manager) Purge(ctx context.Context, cutoff time.Time) error {
	return m.local.Purge(ctx, cutoff)
}

// RemotePurge 请求远端层清理早于 cutoff 的条目；未配置远端时为空操作，远端错误只记录日志。
func (m *Manager) RemotePurge(ctx context.Context, cutoff time.Time) error {
	if cutoff.IsZero() {
		return invalidArgument("zero purge cutoff")
	}
	if !m.remoteConfigured() {
		return nil
	}
	if err := m.remote.Purge(ctx, cutoff); err != nil {
		m.logRemoteError("purge", "", err)
		return nil
	}
	m.logger.WithFields(logrus.Fields{
		"action": "purge",
		"tier":   logging.TierRemote,
		"cutoff": cutoff.UTC().Format(time.RFC3339Nano),
	}).Info("cache_remote_purged")
	return nil
}

// Statistics 返回命中统计与本地层计数的快照。
func (m *Manager) Statistics() Statistics {
	missed, hits, remoteHits := m.stats.snapshot()
	objects, files, size := m.local.Counts()
	return Statistics{
		Missed:                missed,
		Hits:                  hits,
		RemoteHits:            remoteHits,
		NumberOfCachedObjects: objects,
		NumberOfFiles:         files,
		TotalBytes:            size,
	}
}

// ResetStatistics 将三个命中计数同时清零。
func (m *Manager) ResetStatistics() {
	m.stats.reset()
}

// DebugInfo 透传本地层的诊断信息。
func (m *Manager) DebugInfo() string {
	return m.local.DebugInfo()
}

// Local 返回本地层，供远端服务直接读取 blob。
func (m *Manager) Local() *Store {
	return m.local
}

// Enabled 反映 UseFileCache 开关；关闭时所有缓存操作都不触碰存储。
func (m *Manager) Enabled() bool {
	return m.enabled
}

// RemoteConfigured 表示当前是否会访问远端层。
func (m *Manager) RemoteConfigured() bool {
	return m.remoteConfigured()
}

// Close 关闭本地层与（若实现了 io.Closer 的）远端层，可重复调用。
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		if err := m.local.Close(); err != nil {
			errs = append(errs, err)
		}
		if closer, ok := m.remote.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

func (m *Manager) remoteConfigured() bool {
	return m.remoteEnabled && m.remote != nil
}

func (m *Manager) logLocalError(action, handle string, err error) {
	fields := logging.CacheFields(action, handle, logging.TierLocal)
	fields["error_kind"] = "storage"
	if errors.Is(err, ErrInvalidArgument) {
		fields["error_kind"] = "contract"
		m.logger.WithError(err).WithFields(fields).Error("cache_contract_violation")
		return
	}
	m.logger.WithError(err).WithFields(fields).Warn("cache_local_failed")
}

func (m *Manager) logRemoteError(action, handle string, err error) {
	fields := logging.CacheFields(action, handle, logging.TierRemote)
	fields["error_kind"] = "transport"
	if !IsTransportError(err) {
		fields["error_kind"] = "remote"
	}
	m.logger.WithError(err).WithFields(fields).Warn("cache_remote_failed")
}
