package event

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

func NewHandler(logger *slog.Logger, broker *Broker) Handler {
	return Handler{
		logger: logger,
		broker: broker,
	}
}

type Handler struct {
	logger *slog.Logger
	broker *Broker
}

// Stream streams events as Server-Sent Events until the client disconnects.
func (h Handler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	id := h.broker.Subscribe()
	h.logger.InfoContext(ctx, "Streaming events", "subscriber", id)
	defer func() {
		h.broker.Unsubscribe(id)
		h.logger.InfoContext(ctx, "Closing event stream", "subscriber", id)
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		event, ok := h.broker.Receive(ctx, id)
		if !ok {
			return false
		}

		c.Render(-1, sse.Event{
			Id:    strconv.FormatUint(event.ID, 10),
			Event: event.Type,
			Data:  event.Message,
		})
		return true
	})
}
