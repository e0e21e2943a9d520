package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error string `json:"error"`
}

func abortWithError(c *gin.Context, status int, err error) {
	c.JSON(status, errorResponse{Error: err.Error()})
}

// --- queue ---

type addMessageRequest struct {
	Content          string `json:"content" binding:"required"`
	ProcessedContent string `json:"processed_content"`
	SessionID        string `json:"session_id" binding:"required"`
	ExecuteAt        string `json:"execute_at"` // RFC3339, empty = now
	AutoContinue     bool   `json:"auto_continue"`
}

func (s *Server) handleQueueAdd(c *gin.Context) {
	var req addMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	var executeAt time.Time
	if req.ExecuteAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExecuteAt)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		executeAt = parsed
	}

	msg := s.svc.Queue().Add(req.Content, req.ProcessedContent, req.SessionID, executeAt, req.AutoContinue)
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleQueueList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"messages": s.svc.Queue().List(),
		"size":     s.svc.Queue().Size(),
	})
}

func messageID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

func (s *Server) handleQueueGet(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	msg, found := s.svc.Queue().Get(id)
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "message not found"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

type updateMessageRequest struct {
	Content   string `json:"content" binding:"required"`
	ExecuteAt string `json:"execute_at"`
}

func (s *Server) handleQueueUpdate(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	var req updateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	var executeAt time.Time
	if req.ExecuteAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExecuteAt)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		executeAt = parsed
	}

	if err := s.svc.Queue().Update(id, req.Content, executeAt); err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	msg, _ := s.svc.Queue().Get(id)
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleQueueDelete(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	if _, found := s.svc.Queue().Remove(id); !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "message not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleQueueClear(c *gin.Context) {
	dropped := s.svc.Queue().Clear()
	c.JSON(http.StatusOK, gin.H{"dropped": dropped})
}

func (s *Server) handleQueueDrain(c *gin.Context) {
	s.svc.Drain()
	c.JSON(http.StatusAccepted, gin.H{"status": "drain requested"})
}

func (s *Server) handleQueueHistory(c *gin.Context) {
	store := s.svc.Store()
	if store == nil {
		c.JSON(http.StatusOK, gin.H{"history": []any{}})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	history, err := store.History(limit)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// --- timer ---

func (s *Server) handleTimerGet(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Timer().Snapshot())
}

type timerSetRequest struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

func (s *Server) handleTimerSet(c *gin.Context) {
	var req timerSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Timer().Set(req.Hours, req.Minutes, req.Seconds); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Timer().Snapshot())
}

func (s *Server) handleTimerStart(c *gin.Context) {
	if err := s.svc.Timer().Start(); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Timer().Snapshot())
}

func (s *Server) handleTimerPause(c *gin.Context) {
	if err := s.svc.Timer().Pause(); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Timer().Snapshot())
}

func (s *Server) handleTimerResume(c *gin.Context) {
	if err := s.svc.Timer().Resume(); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Timer().Snapshot())
}

func (s *Server) handleTimerStop(c *gin.Context) {
	s.svc.Timer().Stop()
	c.JSON(http.StatusOK, s.svc.Timer().Snapshot())
}

func (s *Server) handleTimerReset(c *gin.Context) {
	s.svc.Timer().Reset()
	c.JSON(http.StatusOK, s.svc.Timer().Snapshot())
}

// --- sessions ---

func (s *Server) handleSessionList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.svc.Registry().List()})
}

type openSessionRequest struct {
	ID      string   `json:"id" binding:"required"`
	Command string   `json:"command" binding:"required"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

func (s *Server) handleSessionOpen(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.OpenSession(req.ID, req.Command, req.Args, req.Dir); err != nil {
		abortWithError(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (s *Server) handleSessionGet(c *gin.Context) {
	st, ok := s.svc.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleSessionClose(c *gin.Context) {
	if err := s.svc.CloseSession(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- injections ---

func (s *Server) handleInjectionsActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": s.svc.Injector().Active()})
}

func (s *Server) handleInjectionsCancel(c *gin.Context) {
	s.svc.CancelAll()
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// --- rules ---

func (s *Server) handleRulesList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rules":                 s.svc.Rules().Rules(),
		"auto_continue_enabled": s.svc.Rules().Enabled(),
	})
}

func (s *Server) handleRuleCounters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"counters": s.svc.Rules().Counters()})
}

type autoContinueRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleAutoContinueToggle(c *gin.Context) {
	var req autoContinueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	s.svc.Rules().SetEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"auto_continue_enabled": *req.Enabled})
}

// --- usage limit ---

func (s *Server) handleUsageLimitState(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Tracker().State())
}

func (s *Server) handleUsageLimitRearm(c *gin.Context) {
	s.svc.Tracker().Rearm()
	c.JSON(http.StatusOK, s.svc.Tracker().State())
}
