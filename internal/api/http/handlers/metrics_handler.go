package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/queue"
)

// QueueStats reports job counts for the metrics endpoint.
type QueueStats interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// MetricsHandler exposes in-process counters as JSON.
type MetricsHandler struct {
	metrics *observability.Metrics
	queue   QueueStats
}

// NewMetricsHandler constructs handler. stats may be nil.
func NewMetricsHandler(metrics *observability.Metrics, stats QueueStats) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, queue: stats}
}

// Get GET /metrics.
func (h *MetricsHandler) Get(c *fiber.Ctx) error {
	body := fiber.Map{"metrics": h.metrics.Snapshot()}
	if h.queue != nil {
		counts, err := h.queue.Counts(c.UserContext())
		if err != nil {
			body["queue"] = fiber.Map{"error": err.Error()}
		} else {
			body["queue"] = counts
		}
	}
	return c.JSON(fiber.Map{"data": body})
}
