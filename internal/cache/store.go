package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/opencontainers/go-digest"
)

// Source 描述 CachedFile 的字节当前所在位置：本地 blob 路径或远端字节流。
// Open 返回的 Reader 由调用方负责关闭。
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Location() string
}

// CachedFile 表示缓存条目中的一个输出文件。OriginalName 为调用方写入时使用的逻辑名称
// （斜杠分隔的相对路径），Size/Mode/Digest 来自条目清单，用于 CopyTo 时校验完整性。
type CachedFile struct {
	OriginalName string
	Size         int64
	Mode         fs.FileMode
	Digest       digest.Digest

	source Source
}

// NewCachedFile 构造一个由 src 提供内容的 CachedFile，供各层（本地/远端）复用。
func NewCachedFile(name string, size int64, mode fs.FileMode, dgst digest.Digest, src Source) CachedFile {
	return CachedFile{
		OriginalName: name,
		Size:         size,
		Mode:         mode,
		Digest:       dgst,
		source:       src,
	}
}

// StoredLocation 返回文件在所属层中的位置（本地路径或远端 URL），仅用于诊断。
func (f CachedFile) StoredLocation() string {
	if f.source == nil {
		return ""
	}
	return f.source.Location()
}

// Open 打开文件内容的只读流。
func (f CachedFile) Open(ctx context.Context) (io.ReadCloser, error) {
	if f.source == nil {
		return nil, fmt.Errorf("%w: %q has no stored location", ErrInvalidArgument, f.OriginalName)
	}
	return f.source.Open(ctx)
}

// RemoteTier 是远端缓存层需要提供的能力。远端节点自身包装一个 Store；
// 所有实现产生的网络/序列化错误都应包装为 *TransportError，条目不存在时返回 ErrNotFound。
type RemoteTier interface {
	IsCached(ctx context.Context, handle string) (bool, error)

	// GetCachedFiles 返回的 CachedFile 以远端字节流为存储位置，只能通过 Open/CopyTo 读取。
	GetCachedFiles(ctx context.Context, handle string) ([]CachedFile, error)

	// CacheFile 以字节流形式上传文件内容，bodies 与 names 一一对应，由调用方关闭。
	CacheFile(ctx context.Context, handle string, names []string, bodies []io.Reader) error

	Purge(ctx context.Context, cutoff time.Time) error
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidArgument 表示调用方违反了接口约定（空 handle、名称与路径数量不一致等）。
	ErrInvalidArgument = errors.New("invalid cache argument")
	// ErrCorrupt 表示条目存在但无法验证其完整性。
	ErrCorrupt = errors.New("cache entry corrupt")
	// ErrStoreClosed 表示 Store 已关闭。
	ErrStoreClosed = errors.New("cache store closed")
)

// TransportError 包装远端层的网络、超时与序列化错误。Manager 只记录这类错误，从不向调用方返回。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError 判断 err 链上是否存在 *TransportError。
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
