package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/bundle-hub/internal/bundle"
	"github.com/any-hub/bundle-hub/internal/manager"
	"github.com/any-hub/bundle-hub/internal/server"
)

// RegisterBundleRoutes 暴露 /-/bundles 诊断接口，供运维查看 Handle 表与未归还的租约。
func RegisterBundleRoutes(app *fiber.App, cache server.CacheView) {
	if app == nil || cache == nil {
		return
	}

	app.Get("/-/bundles", func(c fiber.Ctx) error {
		return c.JSON(encodeTable(cache.Snapshot(), cache.Stats()))
	})

	app.Get("/-/bundles/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bundle_name_required"})
		}
		info, ok := cache.Lookup(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bundle_not_loaded"})
		}
		return c.JSON(info)
	})

	app.Get("/-/rentals", func(c fiber.Ctx) error {
		rentals := cache.Rentals()
		return c.JSON(fiber.Map{
			"count":   len(rentals),
			"rentals": rentals,
		})
	})
}

// RegisterMetricsRoute 通过 adaptor 将 promhttp handler 挂到 /-/metrics。
func RegisterMetricsRoute(app *fiber.App, gatherer prometheus.Gatherer) {
	if app == nil || gatherer == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

type tablePayload struct {
	Stats   manager.Stats       `json:"stats"`
	Bundles []bundle.HandleInfo `json:"bundles"`
	States  map[string]int      `json:"states"`
}

func encodeTable(handles []bundle.HandleInfo, stats manager.Stats) tablePayload {
	if handles == nil {
		handles = []bundle.HandleInfo{}
	}
	states := make(map[string]int, 2)
	for _, h := range handles {
		states[h.State]++
	}
	return tablePayload{
		Stats:   stats,
		Bundles: handles,
		States:  states,
	}
}
