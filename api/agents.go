package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/crewdeck/crewdeck/domain"
)

// RegisterAgent registers a new agent and issues its callback token. The
// token is returned here and never again.
// POST /v1/agents/register
func (h *Handler) RegisterAgent(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.AgentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}

	now := time.Now().UTC()
	token := "cbk_" + uuid.New().String()
	agent := &domain.Agent{
		AgentID:       req.AgentID,
		Name:          req.Name,
		CallbackToken: token,
		Status:        domain.AgentStatusOffline,
		PingStatus:    domain.PingStatusUnknown,
		CreatedAt:     now,
	}
	if err := h.store.RegisterAgent(ctx, agent); err != nil {
		log.Printf("ERROR: failed to register agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to register agent"})
	}

	welcome := &domain.InboxItem{
		InboxID:   "inb_" + uuid.New().String()[:8],
		AgentID:   req.AgentID,
		Type:      domain.InboxTypeWelcome,
		Payload:   json.RawMessage(`{"note":"welcome aboard"}`),
		Status:    domain.InboxStatusPending,
		CreatedAt: now,
	}
	if err := h.store.CreateInboxItem(ctx, welcome); err != nil {
		log.Printf("ERROR: failed to create welcome item: %v", err)
	}

	stored, err := h.store.GetAgent(ctx, req.AgentID)
	if err != nil || stored == nil {
		log.Printf("ERROR: failed to reload agent: %v", err)
		stored = agent
	}
	return c.JSON(http.StatusOK, domain.RegisterAgentResponse{
		Agent:         *stored,
		CallbackToken: token,
	})
}

// ListAgents lists all registered agents.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	ctx := c.Request().Context()

	agents, err := h.store.ListAgents(ctx)
	if err != nil {
		log.Printf("ERROR: failed to list agents: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list agents"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		log.Printf("ERROR: failed to get agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	if agent == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
	}

	return c.JSON(http.StatusOK, agent)
}

// PingAgent drops a ping item into the agent's inbox and marks the probe
// pending until the agent acknowledges it.
// POST /v1/agents/:agent_id/ping
func (h *Handler) PingAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		log.Printf("ERROR: failed to get agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	if agent == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
	}

	now := time.Now().UTC()
	item := &domain.InboxItem{
		InboxID:   "inb_" + uuid.New().String()[:8],
		AgentID:   agentID,
		Type:      domain.InboxTypePing,
		Payload:   json.RawMessage(`{}`),
		Status:    domain.InboxStatusPending,
		CreatedAt: now,
	}
	if err := h.store.CreateInboxItem(ctx, item); err != nil {
		log.Printf("ERROR: failed to create ping item: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create ping"})
	}
	if err := h.store.MarkAgentPingPending(ctx, agentID, now); err != nil {
		log.Printf("ERROR: failed to mark ping pending: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to mark ping"})
	}

	h.hub.Publish(domain.EventAgentPingSent, map[string]string{
		"agent_id": agentID,
		"inbox_id": item.InboxID,
	})

	return c.JSON(http.StatusOK, item)
}
