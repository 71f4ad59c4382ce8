package httpserver

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/usage_meter/internal/aggregator"
	"github.com/ncecere/usage_meter/internal/app"
	"github.com/ncecere/usage_meter/internal/authz"
)

// registerInternalRoutes mounts the operator surface: transaction intake,
// the diagnostic authorize endpoint, and the authorization cache toggle.
func registerInternalRoutes(srv *fiber.App, container *app.Container) {
	internal := srv.Group("/internal")

	internal.Get("/cache", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"enabled": container.Authorizer.Cache().Enabled()})
	})

	internal.Put("/cache", func(c *fiber.Ctx) error {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := c.BodyParser(&body); err != nil || body.Enabled == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "enabled boolean is required"})
		}
		cache := container.Authorizer.Cache()
		if *body.Enabled {
			cache.Enable()
		} else {
			cache.Disable()
		}
		return c.JSON(fiber.Map{"enabled": cache.Enabled()})
	})

	internal.Post("/transactions", func(c *fiber.Ctx) error {
		var body struct {
			Transactions []aggregator.Transaction `json:"transactions"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
		if len(body.Transactions) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "transactions are required"})
		}
		for _, txn := range body.Transactions {
			if txn.ServiceID == "" || txn.ApplicationID == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "service_id and app_id are required"})
			}
		}
		if err := container.Producer.Enqueue(c.UserContext(), body.Transactions); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": len(body.Transactions)})
	})

	internal.Get("/authorize", func(c *fiber.Ctx) error {
		req := authz.Request{
			ProviderKey: c.Query("provider_key"),
			ServiceID:   c.Query("service_id"),
			AppID:       c.Query("app_id"),
			UserKey:     c.Query("user_key"),
			AppKey:      c.Query("app_key"),
			UserID:      c.Query("user_id"),
			Referrer:    c.Query("referrer"),
			RedirectURL: c.Query("redirect_url"),
			Usage:       usageFromQuery(c.Queries()),
		}
		if req.ProviderKey == "" || (req.AppID == "" && req.UserKey == "") {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "provider_key and app_id or user_key are required"})
		}
		status, err := container.Authorizer.Authorize(c.UserContext(), req)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		code := fiber.StatusOK
		if !status.Authorized {
			code = fiber.StatusConflict
		}
		return c.Status(code).JSON(status)
	})

	internal.Get("/limit_violations", func(c *fiber.Ctx) error {
		members, err := container.Authorizer.Cache().LimitViolations(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"violations": members})
	})

	internal.Get("/services/:service_id/applications/:app_id/utilization", func(c *fiber.Ctx) error {
		entries, err := container.Alerts.History(c.UserContext(), c.Params("service_id"), c.Params("app_id"))
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"history": entries})
	})
}

// usageFromQuery collects usage[metric]=value pairs from the query string.
func usageFromQuery(query map[string]string) map[string]string {
	var usage map[string]string
	for key, value := range query {
		name, ok := strings.CutPrefix(key, "usage[")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, "]")
		if !ok || name == "" {
			continue
		}
		if usage == nil {
			usage = make(map[string]string)
		}
		usage[name] = value
	}
	return usage
}
