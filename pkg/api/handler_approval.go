package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/queryweaver/queryweaver/pkg/models"
)

// handleApproval applies an approve or reject decision to a parked query.
// The driver verifies the session binding and deduplicates repeated
// decisions; a duplicate gets the original acknowledgment back.
func (s *Server) handleApproval(c *gin.Context) {
	var req models.ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := req.Approver
	if userID == "" {
		userID = c.GetHeader("X-User-ID")
	}
	resp, err := s.deps.Driver.ApplyDecision(c.Request.Context(), req, clientInfo(c, userID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
