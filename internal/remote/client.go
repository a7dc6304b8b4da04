package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/buildcache/internal/cache"
	"github.com/any-hub/buildcache/internal/config"
	"github.com/any-hub/buildcache/internal/logging"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultInitialBackoff = 200 * time.Millisecond
	errorSnippetLimit     = 512
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 通过 HTTP 访问远端缓存节点，实现 cache.RemoteTier。
// 幂等读取（HEAD/GET）按指数退避重试，上传与清理不重试。
type Client struct {
	baseURL        string
	http           *http.Client
	logger         *logrus.Logger
	compression    string
	maxRetries     int
	initialBackoff time.Duration
}

var _ cache.RemoteTier = (*Client)(nil)

// NewClient 按 Remote 配置构建客户端；logger 为空时丢弃日志。
func NewClient(cfg config.RemoteConfig, logger *logrus.Logger) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		return nil, errors.New("remote host is required")
	}
	parsed, err := url.Parse(host)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid remote host %q", cfg.Host)
	}

	timeout := cfg.Timeout.DurationValue()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backoff := cfg.InitialBackoff.DurationValue()
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	compression := strings.ToLower(strings.TrimSpace(cfg.Compression))
	if compression == "" {
		compression = config.CompressionNone
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Client{
		baseURL: host,
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		logger:         logger,
		compression:    compression,
		maxRetries:     retries,
		initialBackoff: backoff,
	}, nil
}

// IsCached 发送 HEAD 请求；404 视为不存在。
func (c *Client) IsCached(ctx context.Context, handle string) (bool, error) {
	resp, err := c.doIdempotent(ctx, "is_cached", http.MethodHead, c.entryURL(handle))
	if err != nil {
		return false, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &cache.TransportError{Op: "is_cached", Err: unexpectedStatus(resp)}
	}
}

// GetCachedFiles 读取条目清单；返回的 CachedFile 在 Open 时才下载对应 blob。
func (c *Client) GetCachedFiles(ctx context.Context, handle string) ([]cache.CachedFile, error) {
	resp, err := c.doIdempotent(ctx, "get_cached_files", http.MethodGet, c.entryURL(handle))
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, cache.ErrNotFound
	default:
		return nil, &cache.TransportError{Op: "get_cached_files", Err: unexpectedStatus(resp)}
	}

	var payload entryPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &cache.TransportError{Op: "get_cached_files", Err: fmt.Errorf("decode entry: %w", err)}
	}
	if payload.Handle != handle {
		return nil, &cache.TransportError{Op: "get_cached_files", Err: fmt.Errorf("entry handle mismatch: %q", payload.Handle)}
	}

	files := make([]cache.CachedFile, len(payload.Files))
	for i, f := range payload.Files {
		files[i] = cache.NewCachedFile(f.Name, f.Size, fs.FileMode(f.Mode), digest.Digest(f.Digest), &blobSource{
			client: c,
			url:    c.fileURL(handle, i),
		})
	}
	return files, nil
}

// CacheFile 以 multipart 流式上传，bodies 在请求发送期间按顺序读取。
func (c *Client) CacheFile(ctx context.Context, handle string, names []string, bodies []io.Reader) error {
	if handle == "" || len(names) == 0 || len(names) != len(bodies) {
		return fmt.Errorf("%w: %d names for %d bodies", cache.ErrInvalidArgument, len(names), len(bodies))
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeUpload(mw, names, bodies, c.compression))
	}()
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.entryURL(handle), pr)
	if err != nil {
		return &cache.TransportError{Op: "cache_file", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(encodingHeader, c.compression)

	resp, err := c.http.Do(req)
	if err != nil {
		return &cache.TransportError{Op: "cache_file", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return &cache.TransportError{Op: "cache_file", Err: unexpectedStatus(resp)}
	}
	return nil
}

// Purge 请求远端清理最后访问时间早于 cutoff 的条目。
func (c *Client) Purge(ctx context.Context, cutoff time.Time) error {
	body, err := json.Marshal(purgePayload{Cutoff: cutoff.UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/purge", bytes.NewReader(body))
	if err != nil {
		return &cache.TransportError{Op: "purge", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &cache.TransportError{Op: "purge", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return &cache.TransportError{Op: "purge", Err: unexpectedStatus(resp)}
	}
	return nil
}

// Close 释放空闲连接。
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// doIdempotent 对连接错误与 5xx 响应按指数退避重试，最多 maxRetries 次。
func (c *Client) doIdempotent(ctx context.Context, op, method, target string) (*http.Response, error) {
	backoff := c.initialBackoff
	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, &cache.TransportError{Op: op, Err: err}
		}

		resp, err := c.http.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= http.StatusInternalServerError:
			lastErr = unexpectedStatus(resp)
			drain(resp)
		default:
			return resp, nil
		}

		if attempt >= c.maxRetries || ctx.Err() != nil {
			return nil, &cache.TransportError{Op: op, Err: lastErr}
		}
		c.logger.WithError(lastErr).WithFields(logrus.Fields{
			"action":  op,
			"tier":    logging.TierRemote,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Debug("remote_retry")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &cache.TransportError{Op: op, Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (c *Client) entryURL(handle string) string {
	return c.baseURL + "/v1/entries/" + encodeHandle(handle)
}

func (c *Client) fileURL(handle string, index int) string {
	return fmt.Sprintf("%s/files/%d", c.entryURL(handle), index)
}

// blobSource 延迟下载远端 blob，读取过程中的错误同样包装为 TransportError。
type blobSource struct {
	client *Client
	url    string
}

func (b *blobSource) Location() string {
	return b.url
}

func (b *blobSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, &cache.TransportError{Op: "open_blob", Err: err}
	}
	req.Header.Set(encodingHeader, b.client.compression)

	resp, err := b.client.http.Do(req)
	if err != nil {
		return nil, &cache.TransportError{Op: "open_blob", Err: err}
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		drain(resp)
		return nil, fmt.Errorf("%w: %s", cache.ErrNotFound, b.url)
	default:
		err := unexpectedStatus(resp)
		drain(resp)
		return nil, &cache.TransportError{Op: "open_blob", Err: err}
	}

	body, err := newDecoder(resp.Body, resp.Header.Get(encodingHeader))
	if err != nil {
		drain(resp)
		return nil, &cache.TransportError{Op: "open_blob", Err: err}
	}
	return &transportBody{decoded: body, raw: resp.Body}, nil
}

type transportBody struct {
	decoded io.ReadCloser
	raw     io.ReadCloser
}

func (t *transportBody) Read(p []byte) (int, error) {
	n, err := t.decoded.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = &cache.TransportError{Op: "read_blob", Err: err}
	}
	return n, err
}

func (t *transportBody) Close() error {
	t.decoded.Close()
	return t.raw.Close()
}

func unexpectedStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorSnippetLimit))
	resp.Body.Close()
}
