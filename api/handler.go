// Package api provides HTTP handlers for crewdeck.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/crewdeck/crewdeck/audit"
	"github.com/crewdeck/crewdeck/config"
	"github.com/crewdeck/crewdeck/dispatch"
	"github.com/crewdeck/crewdeck/internal/hub"
	"github.com/crewdeck/crewdeck/policy"
	"github.com/crewdeck/crewdeck/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store      store.Store
	ledger     *audit.Ledger
	hub        *hub.Hub
	policy     *policy.Engine
	dispatcher *dispatch.Dispatcher
	config     *config.Config
}

// NewHandler creates a new handler.
func NewHandler(s store.Store, ledger *audit.Ledger, h *hub.Hub, policyEngine *policy.Engine, dispatcher *dispatch.Dispatcher, cfg *config.Config) *Handler {
	return &Handler{
		store:      s,
		ledger:     ledger,
		hub:        h,
		policy:     policyEngine,
		dispatcher: dispatcher,
		config:     cfg,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Thread and message API
	e.POST("/v1/threads", h.CreateThread)
	e.GET("/v1/threads/:thread_id", h.GetThread)
	e.POST("/v1/threads/:thread_id/messages", h.PostMessage)
	e.GET("/v1/threads/:thread_id/messages", h.GetMessages)

	// Run API
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)

	// Agent registry and inbox API
	e.POST("/v1/agents/register", h.RegisterAgent)
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/agents/:agent_id", h.GetAgent)
	e.POST("/v1/agents/:agent_id/ping", h.PingAgent)
	e.GET("/v1/agents/:agent_id/inbox", h.GetInbox)
	e.POST("/v1/agents/:agent_id/inbox/ack", h.AckInbox)

	// Task API
	e.POST("/v1/tasks", h.CreateTask)
	e.PATCH("/v1/tasks/:task_id", h.UpdateTask)
	e.DELETE("/v1/tasks/:task_id", h.DeleteTask)

	// Audit API
	e.GET("/v1/audit", h.QueryAudit)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
