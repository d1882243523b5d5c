package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"render-realtime/internal/dispatch"
	"render-realtime/internal/events"
	"render-realtime/internal/metrics"
)

// EventsHandler is the pipeline-facing publish API.
type EventsHandler struct {
	Dispatcher *dispatch.Dispatcher
	Notifier   *dispatch.Notifier
	Log        zerolog.Logger
}

func (h *EventsHandler) Publish(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	userID, ev, err := events.ParseEnvelope(raw)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("http", "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delivered := h.Dispatcher.Publish(userID, ev)
	metrics.IngestMessages.WithLabelValues("http", "ok").Inc()
	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

func (h *EventsHandler) Notify(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	n, err := events.ParseNotification(raw)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("http", "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.Notifier.Notify(c.Request.Context(), n.UserID, n.Payload)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("http", "failed").Inc()
		h.Log.Error().Err(err).Str("user_id", n.UserID).Msg("notify failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Notification could not be delivered"})
		return
	}
	metrics.IngestMessages.WithLabelValues("http", "ok").Inc()
	c.JSON(http.StatusAccepted, gin.H{"delivered": res.Delivered, "queued": res.Queued})
}

func (h *EventsHandler) ResetThrottle(c *gin.Context) {
	h.Dispatcher.Throttle().Reset()
	h.Log.Info().Msg("progress throttle reset")
	c.Status(http.StatusNoContent)
}
