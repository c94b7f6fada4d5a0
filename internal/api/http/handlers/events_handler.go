package handlers

import (
	"bufio"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/triage-service/internal/gateway"
	"github.com/spec-kit/triage-service/pkg/sse"
)

// EventsHandler serves the observer push channel.
type EventsHandler struct {
	gateway *gateway.Gateway
}

// NewEventsHandler constructs handler.
func NewEventsHandler(gw *gateway.Gateway) *EventsHandler {
	return &EventsHandler{gateway: gw}
}

// Stream GET /api/events. The connection stays open until the client goes
// away or the server shuts down.
func (h *EventsHandler) Stream(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, sse.ContentType)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	conn := h.gateway.Add()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		h.gateway.Serve(conn, w)
	})
	return nil
}
