package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"eventcert/internal/api/middleware"
	"eventcert/internal/roster"
)

// EventHandler exposes the read only event roster.
type EventHandler struct {
	roster *roster.Source
}

func NewEventHandler(rosterSource *roster.Source) *EventHandler {
	return &EventHandler{roster: rosterSource}
}

func (h *EventHandler) List(c *gin.Context) {
	events, err := h.roster.Events(c.Request.Context())
	if err != nil {
		middleware.LoggerFromContext(c).Error("list events failed", slog.Any("error", err))
		Internal(c, "failed to list events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": events})
}

// Participants returns the confirmed participants certificates are issued
// to, in generation order.
func (h *EventHandler) Participants(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid event id")
		return
	}

	ctx := c.Request.Context()
	event, err := h.roster.Event(ctx, id)
	if err != nil {
		if errors.Is(err, roster.ErrEventNotFound) {
			NotFound(c, "event not found")
			return
		}
		Internal(c, "failed to load event")
		return
	}
	participants, err := h.roster.Participants(ctx, id)
	if err != nil {
		middleware.LoggerFromContext(c).Error("list participants failed", slog.Uint64("event_id", uint64(id)), slog.Any("error", err))
		Internal(c, "failed to list participants")
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": event, "items": participants})
}
