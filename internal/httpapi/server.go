// Package httpapi exposes report ingestion, sheet sync and cash drawer endpoints over HTTP.
package httpapi

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"storeledger/internal/cashdrawer"
	"storeledger/internal/config"
	"storeledger/internal/lock"
	"storeledger/internal/pipeline"
	"storeledger/internal/sheetsync"
	"storeledger/internal/storage"
)

const moduleName = "httpapi"

// Deps are the services behind the routes.
type Deps struct {
	DB        *storage.DB
	Processor *pipeline.ProcessingService
	Syncer    *sheetsync.Service
	Drawer    *cashdrawer.Service
	Logger    logrus.FieldLogger
}

type handlers struct {
	Deps
}

// New builds the fiber app with every route registered.
func New(deps Deps) *fiber.App {
	h := &handlers{Deps: deps}
	app := fiber.New(fiber.Config{
		AppName:      "storeledger",
		BodyLimit:    25 * 1024 * 1024,
		ErrorHandler: h.errorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(requestLogger(deps.Logger))

	setupRoutes(app, h)
	return app
}

func setupRoutes(app *fiber.App, h *handlers) {
	app.Get("/health", h.health)

	api := app.Group("/api")
	api.Post("/webhooks/email", h.emailWebhook)
	api.Post("/formula/evaluate", h.evaluateFormula)
	api.Put("/calculation-config", h.putDefaultCalculationConfig)

	api.Post("/stores", h.createStore)
	stores := api.Group("/stores/:storeId")
	stores.Get("/", h.getStore)
	stores.Post("/reports", h.uploadReport)
	stores.Get("/raw-reports", h.listRawReports)
	stores.Post("/reports/remap", h.remapReports)
	stores.Get("/report-mappings", h.listReportMappings)
	stores.Put("/report-mappings", h.putReportMappings)
	stores.Post("/sync/:syncType", h.runSync)
	stores.Get("/sync-logs", h.listSyncLogs)
	stores.Get("/cash-drawer/:date", h.cashDrawer)
	stores.Get("/calculation-config", h.getCalculationConfig)
	stores.Put("/calculation-config", h.putStoreCalculationConfig)
}

func requestLogger(logger logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		entry := logger.WithFields(logrus.Fields{
			"method":    c.Method(),
			"path":      c.Path(),
			"status":    status,
			"latencyMs": time.Since(start).Milliseconds(),
		})
		if status >= fiber.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request")
		}
		return err
	}
}

// errorHandler keeps the JSON envelope for errors raised by fiber itself, such as unknown routes.
func (h *handlers) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		config.LogError(h.Logger, moduleName, "errorHandler", c.Path(), nil, err)
	}
	return fail(c, code, err.Error())
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"success": false, "message": message})
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{"success": true, "data": data})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var parseErr *pipeline.ParseError
	var mismatch *pipeline.RetailerMismatchError
	switch {
	case errors.Is(err, pipeline.ErrStoreNotFound), errors.Is(err, sheetsync.ErrIntegrationNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, sheetsync.ErrUnknownSyncType):
		return fiber.StatusBadRequest
	case errors.As(err, &parseErr), errors.As(err, &mismatch):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, lock.ErrLocked):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// failErr writes err with the status statusFor picks, hiding internal error text.
func (h *handlers) failErr(c *fiber.Ctx, funcName string, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		config.LogError(h.Logger, moduleName, funcName, c.Path(), nil, err)
		return fail(c, status, "internal error")
	}
	return fail(c, status, err.Error())
}
