package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 远端传输压缩方式。
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// GlobalConfig 描述日志与本地缓存层的参数。
type GlobalConfig struct {
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	UseFileCache       bool     `mapstructure:"UseFileCache"`
	PurgeAge           Duration `mapstructure:"PurgeAge"`
	PromoteConcurrency int      `mapstructure:"PromoteConcurrency"`
}

// RemoteConfig 决定是否以及如何访问远端缓存层。
type RemoteConfig struct {
	Enabled        bool     `mapstructure:"Enabled"`
	Host           string   `mapstructure:"Host"`
	Timeout        Duration `mapstructure:"Timeout"`
	MaxRetries     int      `mapstructure:"MaxRetries"`
	InitialBackoff Duration `mapstructure:"InitialBackoff"`
	Compression    string   `mapstructure:"Compression"`
}

// ServerConfig 描述 serve 模式下对外提供远端缓存层的 HTTP 服务。
type ServerConfig struct {
	ListenPort    int   `mapstructure:"ListenPort"`
	MaxUploadSize int64 `mapstructure:"MaxUploadSize"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Remote RemoteConfig `mapstructure:"Remote"`
	Server ServerConfig `mapstructure:"Server"`
}

// RemoteActive 表示远端层是否启用：本地缓存关闭时远端同样不可用。
func (c *Config) RemoteActive() bool {
	return c.Global.UseFileCache && c.Remote.Enabled
}

// CacheModes 返回 local/remote 开关摘要，例如 local:on remote:off，供日志字段使用。
func (c *Config) CacheModes() []string {
	return []string{
		"local:" + onOff(c.Global.UseFileCache),
		"remote:" + onOff(c.RemoteActive()),
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
