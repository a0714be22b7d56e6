package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/placement"
)

// handleBoardStream serves a board's events as server-sent events. The first
// event is "ready"; heartbeats keep idle proxies from closing the stream.
func (h *httpHandler) handleBoardStream(c *gin.Context) {
	boardID, err := boards.NewBoardID(c.Param("boardId"))
	if err != nil {
		h.writeError(c, &placement.ValidationError{Reason: placement.ReasonInvalidBoardID, Index: -1})
		return
	}
	if _, err := h.boards.Get(c.Request.Context(), boardID); err != nil {
		h.writeError(c, boardLookupError(boardID.String(), err))
		return
	}

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, boardID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(realtimeEventReady, gin.H{"boardId": boardID.String()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message.Event)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}
