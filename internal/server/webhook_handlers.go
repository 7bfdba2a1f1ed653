package server

import (
	"errors"
	"log/slog"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/normalizer"
	"lopeswhatsapp/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// Webhook handles POST /webhook/:instance. Every delivery is acknowledged
// with 200 unless storing it failed, in which case 500 asks the gateway to
// retry.
func (s *Server) Webhook(c *fiber.Ctx) error {
	instance := c.Params("instance")
	ctx := middleware.WithInstance(c.UserContext(), instance)
	raw := append([]byte(nil), c.Body()...)

	event := normalizer.EventName(raw)
	if event == "" {
		event = "unknown"
	}
	observability.WebhookEventsTotal.WithLabelValues(event).Inc()

	if err := s.webhooks.Record(ctx, instance, raw); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to record last webhook", slog.String("error", err.Error()))
	}

	ev, err := s.normalizer.Normalize(ctx, raw)
	if err != nil {
		return c.JSON(fiber.Map{
			"result": models.ResultIgnored,
			"reason": discardReason(err),
		})
	}

	result, err := s.reconciler.Apply(ctx, ev)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{
		"result": result,
		"type":   ev.Type,
	})
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, normalizer.ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, normalizer.ErrUnknownMessageKind):
		return "unknown_kind"
	}
	return "not_actionable"
}

// GetLastWebhook handles GET /api/debug/webhook/last?instance=
func (s *Server) GetLastWebhook(c *fiber.Ctx) error {
	instance := c.Query("instance", s.config.InstanceName)
	last, ok, err := s.webhooks.Last(c.UserContext(), instance)
	if err != nil && !ok {
		return respondError(c, err)
	}
	if !ok {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Webhook for instance", instance))
	}
	return c.JSON(last)
}
