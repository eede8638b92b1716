package api

import (
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// handleSubmit starts a query. The response is an immediate acknowledgment;
// progress flows over the state stream.
func (s *Server) handleSubmit(c *gin.Context) {
	var req models.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.deps.Driver.Submit(c.Request.Context(), req, clientInfo(c, req.UserID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// handleQueryState returns the last published state snapshot for a query.
func (s *Server) handleQueryState(c *gin.Context) {
	ev, ok := s.deps.Publisher.State(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown query"})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// handleStream serves the SSE state stream for one query. The current
// snapshot is replayed first; the stream ends after a terminal state or when
// the client disconnects. Disconnect does not cancel the query.
func (s *Server) handleStream(c *gin.Context) {
	queryID := c.Param("id")
	sub := s.deps.Publisher.Subscribe(queryID)
	defer s.deps.Publisher.Unsubscribe(sub)

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			name := "state"
			if ev.Heartbeat {
				name = "heartbeat"
			}
			if err := sse.Encode(w, sse.Event{Id: ev.QueryID, Event: name, Data: ev}); err != nil {
				return false
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleCancel cancels a running or parked query.
func (s *Server) handleCancel(c *gin.Context) {
	queryID := c.Param("id")
	if err := s.deps.Driver.Cancel(queryID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"query_id": queryID, "status": "cancelling"})
}
