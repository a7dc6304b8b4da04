package logging

import "github.com/sirupsen/logrus"

// 缓存层标识，写入日志的 tier 字段。
const (
	TierLocal  = "local"
	TierRemote = "remote"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供 handle/tier 字段，供缓存读写与提升日志复用。
func CacheFields(action, handle, tier string) logrus.Fields {
	fields := logrus.Fields{
		"action": action,
		"tier":   tier,
	}
	if handle != "" {
		fields["handle"] = handle
	}
	return fields
}

// RequestFields 提供远端服务访问日志字段。
func RequestFields(method, path, requestID string, status int) logrus.Fields {
	return logrus.Fields{
		"action":     "request",
		"method":     method,
		"path":       path,
		"request_id": requestID,
		"status":     status,
	}
}
