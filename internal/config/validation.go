package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.PurgeAge.DurationValue() <= 0 {
		return newFieldError("Global.PurgeAge", "必须大于 0")
	}
	if g.PromoteConcurrency <= 0 {
		return newFieldError("Global.PromoteConcurrency", "必须大于 0")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}

	if err := c.Remote.validate(); err != nil {
		return err
	}

	s := c.Server
	if s.ListenPort <= 0 || s.ListenPort > 65535 {
		return newFieldError("Server.ListenPort", "必须在 1-65535")
	}
	if s.MaxUploadSize <= 0 {
		return newFieldError("Server.MaxUploadSize", "必须大于 0")
	}
	return nil
}

func (r RemoteConfig) validate() error {
	switch r.Compression {
	case "", CompressionNone, CompressionZstd:
	default:
		return newFieldError(remoteField("Compression"), "仅支持 none/zstd")
	}
	if r.MaxRetries < 0 {
		return newFieldError(remoteField("MaxRetries"), "不能为负数")
	}
	if !r.Enabled {
		return nil
	}
	if err := validateHost(r.Host); err != nil {
		return fmt.Errorf("%s: %w", remoteField("Host"), err)
	}
	if r.Timeout.DurationValue() <= 0 {
		return newFieldError(remoteField("Timeout"), "必须大于 0")
	}
	if r.InitialBackoff.DurationValue() <= 0 {
		return newFieldError(remoteField("InitialBackoff"), "必须大于 0")
	}
	return nil
}

func validateHost(raw string) error {
	if raw == "" {
		return errors.New("启用远端缓存时不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("无效 URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("仅支持 http/https")
	}
	if parsed.Host == "" {
		return errors.New("缺少主机名")
	}
	return nil
}
