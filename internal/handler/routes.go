package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/gabrielkendy/agenciabase-sub002/internal/middleware"
	"github.com/gabrielkendy/agenciabase-sub002/pkg/response"
)

// NewApp creates the Fiber app with the shared error envelope and the global
// middleware.
func NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          response.ErrorHandler,
		BodyLimit:             4 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept," + middleware.HeaderOrganizationID + "," + middleware.HeaderUserID,
	}))
	return app
}

// Routes groups the handlers mounted on the app.
type Routes struct {
	Jobs     *JobHandler
	Credits  *CreditHandler
	Webhooks *WebhookHandler
	Health   *HealthHandler
	Realtime *RealtimeHandler

	RateLimiter     *middleware.RateLimiter
	SubmitPerMinute int
	ReadPerMinute   int
	RequireIdentity bool
}

// Mount registers every route. Nil handlers and a nil rate limiter are skipped.
func (r Routes) Mount(app *fiber.App) {
	if r.Health != nil {
		app.Get("/health", r.Health.Health)
	}

	identity := middleware.GatewayIdentity(r.RequireIdentity)
	submitLimit, readLimit := passThrough, passThrough
	if r.RateLimiter != nil {
		submitLimit = r.RateLimiter.SubmitLimit(r.SubmitPerMinute)
		readLimit = r.RateLimiter.ReadLimit(r.ReadPerMinute)
	}

	api := app.Group("/api", identity)

	if r.Jobs != nil {
		jobs := api.Group("/jobs")
		jobs.Post("/image/sync", submitLimit, r.Jobs.SubmitSync)
		jobs.Post("/:kind", submitLimit, r.Jobs.Submit)
		jobs.Get("/:kind/:jobId", readLimit, r.Jobs.Status)
		jobs.Post("/:kind/:jobId/cancel", readLimit, r.Jobs.Cancel)
	}

	if r.Credits != nil {
		credits := api.Group("/credits", readLimit)
		credits.Get("/balance", r.Credits.Balance)
		credits.Get("/transactions", r.Credits.Transactions)
	}

	if r.Webhooks != nil {
		webhooks := api.Group("/webhooks", readLimit)
		webhooks.Post("/", r.Webhooks.Create)
		webhooks.Get("/", r.Webhooks.List)
		webhooks.Patch("/:id", r.Webhooks.SetEnabled)
		webhooks.Post("/:id/secret", r.Webhooks.RegenerateSecret)
		webhooks.Get("/:id/deliveries", r.Webhooks.Deliveries)
	}

	if r.Realtime != nil {
		app.Get("/ws/:channel", identity, r.Realtime.Authorize, r.Realtime.Connect())
	}
}

func passThrough(c *fiber.Ctx) error {
	return c.Next()
}
