package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/buildcache/internal/logging"
)

const (
	entriesDir = "entries"
	stagingDir = ".staging"
	trashDir   = ".trash"

	shardPrefixLen  = 2
	staleStagingAge = time.Hour

	// staging 目录在使用期间按 stagingTTL/stagingHeartbeats 的间隔刷新 ModTime。
	stagingHeartbeats = 4
)

// Store 是本地磁盘缓存层，也是唯一向稳定存储持久化数据的组件。磁盘布局：
//
//	<StoragePath>/entries/<d[:2]>/<d>/entry.json   # 清单，ModTime 即最后访问时间
//	<StoragePath>/entries/<d[:2]>/<d>/blobs/<gen>.<i>
//	<StoragePath>/.staging/<uuid>/                 # 写入中的条目
//	<StoragePath>/.trash/<uuid>/                   # 被替换/清理、等待删除的条目
//
// d 为 handle 的 sha256。同一 handle 的读写通过 entryLock 串行化，不同 handle 互不阻塞。
type Store struct {
	basePath string
	logger   *logrus.Logger
	now      func() time.Time
	dirPerm  fs.FileMode

	// stagingTTL 之前未刷新过的 staging 目录视为崩溃残留。
	stagingTTL time.Duration

	mu    sync.Mutex
	locks map[string]*entryLock

	objects atomic.Int64
	files   atomic.Int64
	bytes   atomic.Int64
	closed  atomic.Bool
}

type entryLock struct {
	mu   sync.RWMutex
	refs int
}

// StoreOption 调整 Store 的可选行为。
type StoreOption func(*Store)

// WithLogger 注入结构化日志；默认丢弃输出。
func WithLogger(logger *logrus.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock 替换时钟，决定写入/命中时记录的访问时间。
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDirPerm 设置创建目录时使用的权限。
func WithDirPerm(mode fs.FileMode) StoreOption {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// NewStore 以 basePath 为根目录构建本地缓存层，并扫描已有条目恢复对象/文件计数。
func NewStore(basePath string, opts ...StoreOption) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	s := &Store{
		basePath: abs,
		logger:   logging.Discard(),
		now:      time.Now,
		dirPerm:  0o755,
		locks:    make(map[string]*entryLock),

		stagingTTL: staleStagingAge,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.entriesRoot(), s.stagingRoot(), s.trashRoot()} {
		if err := os.MkdirAll(dir, s.dirPerm); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
	}
	s.loadCounters()
	return s, nil
}

// IsCached 仅检查条目清单是否存在，不刷新访问时间。
func (s *Store) IsCached(ctx context.Context, handle string) (bool, error) {
	if err := s.ready(ctx, handle); err != nil {
		return false, err
	}
	info, err := os.Stat(manifestPath(s.entryDir(handle)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// GetCachedFiles 返回完整的文件集合并刷新访问时间；条目不存在返回 ErrNotFound，
// 无法验证完整的条目返回 ErrCorrupt，从不返回部分结果。
func (s *Store) GetCachedFiles(ctx context.Context, handle string) ([]CachedFile, error) {
	return s.lookup(ctx, handle, true)
}

// Peek 与 GetCachedFiles 相同但不刷新访问时间，供远端服务按需读取 blob。
func (s *Store) Peek(ctx context.Context, handle string) ([]CachedFile, error) {
	return s.lookup(ctx, handle, false)
}

func (s *Store) lookup(ctx context.Context, handle string, touch bool) ([]CachedFile, error) {
	if err := s.ready(ctx, handle); err != nil {
		return nil, err
	}

	unlock := s.rlockEntry(handle)
	defer unlock()

	dir := s.entryDir(handle)
	m, err := readManifest(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		if errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m.Handle != handle {
		return nil, fmt.Errorf("%w: manifest belongs to another handle", ErrCorrupt)
	}

	files := make([]CachedFile, 0, len(m.Files))
	for _, mf := range m.Files {
		src, err := openBlob(filepath.Join(dir, blobsDir, mf.Blob), mf.Size)
		if err != nil {
			ReleaseFiles(files)
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, mf.Name, err)
		}
		files = append(files, NewCachedFile(mf.Name, mf.Size, mf.Mode, mf.Digest, src))
	}

	if touch {
		accessed := s.now()
		if err := os.Chtimes(manifestPath(dir), accessed, accessed); err != nil {
			s.logger.WithError(err).
				WithFields(logging.CacheFields("touch", handle, logging.TierLocal)).
				Warn("cache_touch_failed")
		}
	}
	return files, nil
}

// CacheFile 将 sourcePaths 复制进 handle 对应的条目。文件先写入 staging 目录，清单最后写入，
// 再在写锁内整体 rename 到位；已有条目被整体替换。任一步失败都会清理 staging 并删除该 handle
// 的旧条目，使其对读者表现为不存在。
func (s *Store) CacheFile(ctx context.Context, handle string, names, sourcePaths []string) error {
	if err := s.ready(ctx, handle); err != nil {
		return err
	}
	cleaned, err := validateNames(names, len(sourcePaths))
	if err != nil {
		return err
	}

	generation := uuid.NewString()
	staging := filepath.Join(s.stagingRoot(), generation)
	if err := os.MkdirAll(filepath.Join(staging, blobsDir), s.dirPerm); err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	defer s.keepStaging(staging)()

	accessed := s.now()
	m := &manifest{
		Handle:  handle,
		Created: accessed.UTC(),
		Files:   make([]manifestFile, 0, len(cleaned)),
	}
	for i, src := range sourcePaths {
		blob := fmt.Sprintf("%s.%d", generation, i)
		mf, err := stageBlob(ctx, filepath.Join(staging, blobsDir, blob), src)
		if err != nil {
			err = fmt.Errorf("cache %s: %w", names[i], err)
			s.rollback(handle, err)
			return err
		}
		mf.Name = cleaned[i]
		mf.Blob = blob
		m.Files = append(m.Files, mf)
	}

	if err := writeManifest(staging, m, accessed); err != nil {
		s.rollback(handle, err)
		return err
	}
	if err := s.publish(handle, staging, m); err != nil {
		s.rollback(handle, err)
		return err
	}

	fields := logging.CacheFields("cache_file", handle, logging.TierLocal)
	fields["files"] = len(m.Files)
	fields["bytes"] = m.totalSize()
	s.logger.WithFields(fields).Debug("cache_stored")
	return nil
}

func stageBlob(ctx context.Context, dest, src string) (manifestFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return manifestFile{}, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return manifestFile{}, err
	}
	if !info.Mode().IsRegular() {
		return manifestFile{}, invalidArgument("%s is not a regular file", src)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return manifestFile{}, err
	}
	digester := digest.Canonical.Digester()
	written, err := copyWithContext(ctx, io.MultiWriter(out, digester.Hash()), in)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return manifestFile{}, err
	}

	return manifestFile{
		Size:   written,
		Mode:   info.Mode().Perm(),
		Digest: digester.Digest(),
	}, nil
}

// publish 在写锁内用 staging 目录替换 handle 的现有条目。
func (s *Store) publish(handle, staging string, m *manifest) error {
	unlock := s.lockEntry(handle)
	defer unlock()

	dir := s.entryDir(handle)
	if err := os.MkdirAll(filepath.Dir(dir), s.dirPerm); err != nil {
		return err
	}
	if _, err := s.retire(dir); err != nil {
		return err
	}
	if err := os.Rename(staging, dir); err != nil {
		return err
	}
	s.account(m, 1)
	return nil
}

func (s *Store) rollback(handle string, cause error) {
	fields := logging.CacheFields("cache_file", handle, logging.TierLocal)
	if err := s.Remove(context.Background(), handle); err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("cache_rollback_failed")
	}
	fields["error_kind"] = "storage"
	s.logger.WithError(cause).WithFields(fields).Warn("cache_write_rolled_back")
}

// Remove 显式删除 handle 的条目，条目不存在时返回 nil。
func (s *Store) Remove(ctx context.Context, handle string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := validateHandle(handle); err != nil {
		return err
	}

	unlock := s.lockEntry(handle)
	defer unlock()

	_, err := s.retire(s.entryDir(handle))
	return err
}

// retire 把 dir 移入回收目录后删除并扣减计数，调用方需持有该条目的写锁。
func (s *Store) retire(dir string) (bool, error) {
	m, err := readManifest(dir)
	if err != nil {
		if _, statErr := os.Stat(dir); errors.Is(statErr, fs.ErrNotExist) {
			return false, nil
		}
		// 清单缺失或损坏的目录不计入统计，直接回收。
		m = nil
	}

	trash := filepath.Join(s.trashRoot(), uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if m != nil {
		s.account(m, -1)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.WithError(err).WithField("action", "retire").Warn("cache_trash_cleanup_failed")
	}
	return true, nil
}

// Purge 删除最后访问时间严格早于 cutoff 的条目。单个条目的 I/O 错误只记录日志并跳过。
func (s *Store) Purge(ctx context.Context, cutoff time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if cutoff.IsZero() {
		return invalidArgument("zero purge cutoff")
	}

	shards, err := os.ReadDir(s.entriesRoot())
	if err != nil {
		return fmt.Errorf("read entries: %w", err)
	}

	var purged, failed int
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.entriesRoot(), shard.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			failed++
			s.logger.WithError(err).WithFields(logrus.Fields{"action": "purge", "path": shardPath}).Warn("cache_purge_failed")
			continue
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !entry.IsDir() {
				continue
			}
			entryDir := filepath.Join(shardPath, entry.Name())
			removed, err := s.purgeEntry(entryDir, cutoff)
			if err != nil {
				failed++
				s.logger.WithError(err).WithFields(logrus.Fields{"action": "purge", "path": entryDir}).Warn("cache_purge_failed")
				continue
			}
			if removed {
				purged++
			}
		}
	}
	s.sweep()

	s.logger.WithFields(logrus.Fields{
		"action": "purge",
		"tier":   logging.TierLocal,
		"cutoff": cutoff.UTC().Format(time.RFC3339Nano),
		"purged": purged,
		"failed": failed,
	}).Info("cache_purged")
	return nil
}

func (s *Store) purgeEntry(dir string, cutoff time.Time) (bool, error) {
	m, err := readManifest(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrCorrupt) {
			return false, s.removeOrphan(dir, cutoff)
		}
		return false, err
	}
	if s.entryDir(m.Handle) != dir {
		return false, s.removeOrphan(dir, cutoff)
	}

	unlock := s.lockEntry(m.Handle)
	defer unlock()

	info, err := os.Stat(manifestPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.ModTime().Before(cutoff) {
		return false, nil
	}
	return s.retire(dir)
}

// removeOrphan 回收没有有效清单、且早于 cutoff 的目录。
func (s *Store) removeOrphan(dir string, cutoff time.Time) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.ModTime().Before(cutoff) {
		return nil
	}
	s.logger.WithFields(logrus.Fields{"action": "purge", "path": dir}).Warn("cache_orphan_removed")
	return os.RemoveAll(dir)
}

// sweep 清空回收目录，并删除超过 stagingTTL 未刷新的 staging 目录（写入进程崩溃残留）。
// 仍在使用的 staging 目录由 keepStaging 持续刷新，不会被误删。ModTime 是墙上时间，
// 因此这里不使用注入的时钟。
func (s *Store) sweep() {
	if trash, err := os.ReadDir(s.trashRoot()); err == nil {
		for _, entry := range trash {
			_ = os.RemoveAll(filepath.Join(s.trashRoot(), entry.Name()))
		}
	}

	staleBefore := time.Now().Add(-s.stagingTTL)
	staging, err := os.ReadDir(s.stagingRoot())
	if err != nil {
		return
	}
	for _, entry := range staging {
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(staleBefore) {
			continue
		}
		_ = os.RemoveAll(filepath.Join(s.stagingRoot(), entry.Name()))
	}
}

// ScratchDir 在 staging 区域创建临时目录（与条目同一文件系统）。目录在调用 release 之前
// 持续刷新 ModTime，Purge 不会清理它；release 停止刷新并删除目录。
func (s *Store) ScratchDir(pattern string) (dir string, release func(), err error) {
	if s.closed.Load() {
		return "", nil, ErrStoreClosed
	}
	dir, err = os.MkdirTemp(s.stagingRoot(), pattern)
	if err != nil {
		return "", nil, err
	}
	stop := s.keepStaging(dir)
	return dir, func() {
		stop()
		_ = os.RemoveAll(dir)
	}, nil
}

// keepStaging 周期性刷新 dir 的 ModTime，返回的函数停止刷新且可重复调用。
func (s *Store) keepStaging(dir string) func() {
	interval := s.stagingTTL / stagingHeartbeats
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				now := time.Now()
				_ = os.Chtimes(dir, now, now)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}

// Counts 返回当前条目数、文件数与总字节数。
func (s *Store) Counts() (objects, files, bytes int64) {
	return s.objects.Load(), s.files.Load(), s.bytes.Load()
}

// DebugInfo 输出对象数/文件数/占用空间与存储路径，供运维工具使用。
func (s *Store) DebugInfo() string {
	objects, files, size := s.Counts()
	if size < 0 {
		size = 0
	}
	return fmt.Sprintf("objects=%d files=%d size=%s path=%s",
		objects, files, humanize.IBytes(uint64(size)), s.basePath)
}

// Path 返回存储根目录的绝对路径。
func (s *Store) Path() string {
	return s.basePath
}

// Close 将 Store 标记为关闭，可重复调用。
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.logger.WithFields(logrus.Fields{"action": "close", "path": s.basePath}).Debug("cache_store_closed")
	}
	return nil
}

func (s *Store) ready(ctx context.Context, handle string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := validateHandle(handle); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Store) account(m *manifest, sign int64) {
	s.objects.Add(sign)
	s.files.Add(sign * int64(len(m.Files)))
	s.bytes.Add(sign * m.totalSize())
}

func (s *Store) loadCounters() {
	shards, err := os.ReadDir(s.entriesRoot())
	if err != nil {
		return
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.entriesRoot(), shard.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			m, err := readManifest(filepath.Join(s.entriesRoot(), shard.Name(), entry.Name()))
			if err != nil {
				continue
			}
			s.account(m, 1)
		}
	}
}

func (s *Store) entryDir(handle string) string {
	encoded := digest.FromString(handle).Encoded()
	return filepath.Join(s.entriesRoot(), encoded[:shardPrefixLen], encoded)
}

func (s *Store) entriesRoot() string { return filepath.Join(s.basePath, entriesDir) }
func (s *Store) stagingRoot() string { return filepath.Join(s.basePath, stagingDir) }
func (s *Store) trashRoot() string   { return filepath.Join(s.basePath, trashDir) }

func (s *Store) lockEntry(handle string) func() {
	return s.acquire(handle, false)
}

func (s *Store) rlockEntry(handle string) func() {
	return s.acquire(handle, true)
}

// acquire 取得 handle 的读/写锁；锁对象按引用计数回收，避免 map 无限增长。
func (s *Store) acquire(handle string, shared bool) func() {
	s.mu.Lock()
	lock := s.locks[handle]
	if lock == nil {
		lock = &entryLock{}
		s.locks[handle] = lock
	}
	lock.refs++
	s.mu.Unlock()

	if shared {
		lock.mu.RLock()
	} else {
		lock.mu.Lock()
	}
	return func() {
		if shared {
			lock.mu.RUnlock()
		} else {
			lock.mu.Unlock()
		}
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, handle)
		}
		s.mu.Unlock()
	}
}

// localSource 在 lookup 的读锁内打开 blob 并持有文件描述符。条目之后被替换或清理时
// 路径会被 unlink，但已返回的 CachedFile 仍通过该描述符读到查找时的内容。
// 描述符随 CachedFile 不可达后由 *os.File 的 finalizer 关闭。
type localSource struct {
	path string
	file *os.File
	size int64
}

func openBlob(path string, size int64) (*localSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != size {
		f.Close()
		return nil, fmt.Errorf("has %d bytes, expected %d", info.Size(), size)
	}
	return &localSource{path: path, file: f, size: size}, nil
}

// ReleaseFiles 立即关闭 files 中本地层持有的描述符；之后再 Open 这些文件会失败。
// 不调用时描述符在 CachedFile 被回收后关闭。
func ReleaseFiles(files []CachedFile) {
	for _, f := range files {
		if src, ok := f.source.(*localSource); ok {
			src.file.Close()
		}
	}
}

func (l *localSource) Location() string {
	return l.path
}

// Open 每次返回独立的 SectionReader，可重复打开；Close 不关闭共享的描述符。
func (l *localSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(io.NewSectionReader(l.file, 0, l.size)), nil
}
