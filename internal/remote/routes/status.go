package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/buildcache/internal/cache"
	"github.com/any-hub/buildcache/internal/version"
)

// RegisterStatusRoutes 暴露 /-/status 诊断接口与统计清零接口，供运维查询缓存节点状态。
func RegisterStatusRoutes(app *fiber.App, manager *cache.Manager) {
	if app == nil || manager == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(manager))
	})

	app.Delete("/-/statistics", func(c fiber.Ctx) error {
		manager.ResetStatistics()
		return c.SendStatus(fiber.StatusNoContent)
	})
}

type statusPayload struct {
	Version    string           `json:"version"`
	Storage    string           `json:"storage"`
	Remote     bool             `json:"remote"`
	Statistics cache.Statistics `json:"statistics"`
}

func encodeStatus(manager *cache.Manager) statusPayload {
	return statusPayload{
		Version:    version.Full(),
		Storage:    manager.DebugInfo(),
		Remote:     manager.RemoteConfigured(),
		Statistics: manager.Statistics(),
	}
}
