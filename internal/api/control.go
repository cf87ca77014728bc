package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/steersman-proxy/steersman/internal/session"
)

// Control endpoints consumed by the external dashboard. They mutate session
// steering state; the proxied traffic itself never touches these routes.

type scheduleClearRequest struct {
	ProjectPath string `json:"project_path" binding:"required"`
	Summary     string `json:"summary" binding:"required"`
}

// handleScheduleClear queues a wipe-and-summarize for a project. The next
// request for that project has its conversation replaced by the summary.
func (s *Server) handleScheduleClear(c *gin.Context) {
	var req scheduleClearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.pre.ScheduleClear(req.ProjectPath, req.Summary)
	log.WithField("project", req.ProjectPath).Info("conversation clear scheduled")
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

type updateSessionRequest struct {
	OriginalGoal        *string         `json:"original_goal,omitempty"`
	Constraints         *[]string       `json:"constraints,omitempty"`
	PendingClearSummary *string         `json:"pending_clear_summary,omitempty"`
	Status              *session.Status `json:"status,omitempty"`
}

// handleUpdateSession applies a partial update to a session's steering
// fields: goal, constraints, queued clear summary and lifecycle status.
func (s *Server) handleUpdateSession(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	ok := s.sessions.Update(id, session.UpdateFields{
		OriginalGoal:        req.OriginalGoal,
		Constraints:         req.Constraints,
		PendingClearSummary: req.PendingClearSummary,
		Status:              req.Status,
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if req.Status != nil && (*req.Status == session.StatusCompleted || *req.Status == session.StatusAbandoned) {
		s.sessions.Delete(id)
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// handleGetSession returns a session snapshot for the dashboard.
func (s *Server) handleGetSession(c *gin.Context) {
	st, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}
