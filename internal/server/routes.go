package server

import (
	"github.com/gofiber/fiber/v2"

	"portalbridge/internal/core/run"
	"portalbridge/internal/health"
	"portalbridge/internal/platform/redis"
	"portalbridge/internal/store"
)

type Dependencies struct {
	Runs  *run.Service
	Store store.Store
	Redis *redis.Service
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	checks := map[string]health.Check{}
	if d.Redis != nil {
		checks["redis"] = d.Redis.HealthCheck
	}
	if d.Store != nil {
		checks["store"] = d.Store.Ping
	}
	healthHandler := health.NewHealthHandler(checks)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")
	run.NewHandler(d.Runs).Register(api)

	return healthHandler
}
