package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/claudeman/internal/respawn"
	"github.com/zjrosen/claudeman/internal/screen"
	"github.com/zjrosen/claudeman/internal/session"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"screenAvailable": s.screens.Available(),
		"sessions":        len(s.sup.Sessions()),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.Sessions())
}

type createSessionRequest struct {
	Name          string          `json:"name"`
	WorkingDir    string          `json:"workingDir"`
	Mode          session.Mode    `json:"mode"`
	Nice          int             `json:"nice"`
	RalphEnabled  bool            `json:"ralphEnabled"`
	RespawnConfig *respawn.Config `json:"respawnConfig"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.sup.CreateSession(session.CreateOptions{
		Name:          req.Name,
		WorkingDir:    req.WorkingDir,
		Mode:          req.Mode,
		Nice:          req.Nice,
		RalphEnabled:  req.RalphEnabled,
		RespawnConfig: req.RespawnConfig,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleGetSession(c *gin.Context) {
	rec, ok := s.sup.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleKillSession(c *gin.Context) {
	if err := s.sup.KillSession(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type updateSessionRequest struct {
	Name     *string `json:"name"`
	Attached *bool   `json:"attached"`
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if req.Name != nil {
		if err := s.sup.Rename(id, *req.Name); err != nil {
			s.fail(c, err)
			return
		}
	}
	if req.Attached != nil {
		if err := s.sup.SetAttached(id, *req.Attached); err != nil {
			s.fail(c, err)
			return
		}
	}
	rec, _ := s.sup.Get(id)
	c.JSON(http.StatusOK, rec)
}

type sendKeysRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendKeys(c *gin.Context) {
	var req sendKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.SendKeys(c.Param("id"), req.Text); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRespawnConfig(c *gin.Context) {
	var cfg *respawn.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.UpdateRespawnConfig(c.Param("id"), cfg); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type trackerEnableRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleTrackerEnable(c *gin.Context) {
	var req trackerEnableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.UpdateTrackerEnabled(c.Param("id"), req.Enabled); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTrackerState(c *gin.Context) {
	tr, ok := s.sup.Tracker(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	snap := tr.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"enabled": tr.Enabled(),
		"loop":    snap.Loop,
		"todos":   snap.Todos,
		"breaker": tr.Breaker(),
	})
}

func (s *Server) handleProgress(c *gin.Context) {
	tr, ok := s.sup.Tracker(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"progress":   tr.TodoProgress(),
		"confidence": tr.CompletionConfidence(),
	})
}

type hookEventRequest struct {
	Event     string `json:"event" binding:"required"`
	SessionID string `json:"sessionId" binding:"required"`
}

func (s *Server) handleHookEvent(c *gin.Context) {
	var req hookEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.HandleHookEvent(req.SessionID, req.Event); err != nil {
		if errors.Is(err, screen.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusAccepted)
}

// fail maps supervisor errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, screen.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, screen.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, screen.ErrInject), errors.Is(err, screen.ErrWindowCreate):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
