package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/network"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/storage"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	HubID    string `json:"hub_id"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// HubInfoResponse is returned by GET /api/v1/hub/info
type HubInfoResponse struct {
	ID            string   `json:"id"`
	Operations    []string `json:"operations"`
	Sessions      int      `json:"sessions"`
	UptimeSeconds float64  `json:"uptime_seconds"`
}

// SessionsResponse lists connected endpoints
type SessionsResponse struct {
	Count    int                   `json:"count"`
	Sessions []network.SessionInfo `json:"sessions"`
}

// HistoryResponse lists audit log rows
type HistoryResponse struct {
	Count   int                      `json:"count"`
	Records []*storage.SessionRecord `json:"records"`
}

// PushRequest is the body of the send and broadcast routes
type PushRequest struct {
	Name    string          `json:"name" binding:"required"`
	Message json.RawMessage `json:"message"`
}

// BroadcastResponse reports how many sessions a broadcast reached
type BroadcastResponse struct {
	Success   bool   `json:"success"`
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		HubID:    s.hub.ID(),
		Uptime:   s.hub.Uptime().Truncate(time.Second).String(),
		Sessions: s.hub.SessionCount(),
	})
}

// handleHubInfo handles GET /api/v1/hub/info
func (s *Server) handleHubInfo(c *gin.Context) {
	c.JSON(http.StatusOK, HubInfoResponse{
		ID:            s.hub.ID(),
		Operations:    s.hub.Operations(),
		Sessions:      s.hub.SessionCount(),
		UptimeSeconds: s.hub.Uptime().Seconds(),
	})
}

// handleSessions handles GET /api/v1/sessions
func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.hub.Sessions()
	c.JSON(http.StatusOK, SessionsResponse{
		Count:    len(sessions),
		Sessions: sessions,
	})
}

// handleRecentHistory handles GET /api/v1/sessions/history?limit=N
func (s *Server) handleRecentHistory(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a number between 1 and 1000",
			})
			return
		}
		limit = n
	}

	records, err := s.history.Recent(limit)
	if err != nil {
		s.internalError(c, "Failed to read session history", err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Count: len(records), Records: records})
}

// handleSessionHistory handles GET /api/v1/sessions/:id/history
func (s *Server) handleSessionHistory(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	records, err := s.history.History(c.Param("id"))
	if err != nil {
		s.internalError(c, "Failed to read session history", err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Count: len(records), Records: records})
}

// handleSend handles POST /api/v1/sessions/:id/send
func (s *Server) handleSend(c *gin.Context) {
	req, ok := bindPush(c)
	if !ok {
		return
	}

	identity := c.Param("id")
	if err := s.hub.SendTo(identity, req.Name, req.Message); err != nil {
		if errors.Is(err, network.ErrHandlerNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "Session not found",
				Message: err.Error(),
			})
			return
		}
		s.internalError(c, "Failed to send message", err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: "message sent to " + identity,
	})
}

// handleBroadcast handles POST /api/v1/broadcast
func (s *Server) handleBroadcast(c *gin.Context) {
	req, ok := bindPush(c)
	if !ok {
		return
	}

	delivered, err := s.hub.Broadcast(req.Name, req.Message)
	resp := BroadcastResponse{Success: err == nil, Delivered: delivered}
	if err != nil {
		s.logger.Warn().Err(err).Str("name", req.Name).Int("delivered", delivered).Msg("broadcast incomplete")
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// bindPush decodes a PushRequest. An absent message is pushed as JSON null.
func bindPush(c *gin.Context) (*PushRequest, bool) {
	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return nil, false
	}

	if protocol.IsHandshake(req.Name) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: "cannot push under the handshake name",
		})
		return nil, false
	}

	if len(req.Message) == 0 {
		req.Message = json.RawMessage("null")
	}
	return &req, true
}

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Session history unavailable",
			Message: "the hub runs without an audit database",
		})
		return false
	}
	return true
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   msg,
		Message: err.Error(),
	})
}
