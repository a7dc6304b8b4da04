package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyRemoteDefaults(&cfg.Remote)
	applyServerDefaults(&cfg.Server)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UseFileCache", true)
	v.SetDefault("PurgeAge", "168h")
	v.SetDefault("PromoteConcurrency", 4)
	v.SetDefault("Remote.Enabled", false)
	v.SetDefault("Remote.Timeout", "30s")
	v.SetDefault("Remote.MaxRetries", 2)
	v.SetDefault("Remote.InitialBackoff", "200ms")
	v.SetDefault("Remote.Compression", CompressionNone)
	v.SetDefault("Server.ListenPort", 5000)
	v.SetDefault("Server.MaxUploadSize", 1<<30)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.PurgeAge.DurationValue() == 0 {
		g.PurgeAge = Duration(7 * 24 * time.Hour)
	}
	if g.PromoteConcurrency == 0 {
		g.PromoteConcurrency = 4
	}
}

func applyRemoteDefaults(r *RemoteConfig) {
	r.Host = strings.TrimRight(strings.TrimSpace(r.Host), "/")
	if r.Timeout.DurationValue() == 0 {
		r.Timeout = Duration(30 * time.Second)
	}
	if r.InitialBackoff.DurationValue() == 0 {
		r.InitialBackoff = Duration(200 * time.Millisecond)
	}
	r.Compression = strings.ToLower(strings.TrimSpace(r.Compression))
	if r.Compression == "" {
		r.Compression = CompressionNone
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.ListenPort == 0 {
		s.ListenPort = 5000
	}
	if s.MaxUploadSize == 0 {
		s.MaxUploadSize = 1 << 30
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
