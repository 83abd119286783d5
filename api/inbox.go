package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crewdeck/crewdeck/domain"
)

// authAgent resolves the agent and checks its callback token. The token
// comes from the Authorization bearer header, or from the request body for
// ack. Auth failures are indistinguishable from a missing agent on purpose.
func (h *Handler) authAgent(c echo.Context, agentID, bodyToken string) (*domain.Agent, error) {
	token := bodyToken
	if auth := c.Request().Header.Get("Authorization"); token == "" && strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return nil, nil
	}

	agent, err := h.store.GetAgent(c.Request().Context(), agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil || agent.CallbackToken != token {
		return nil, nil
	}
	return agent, nil
}

// GetInbox returns the agent's inbox items. Polling counts as being seen.
// GET /v1/agents/:agent_id/inbox
func (h *Handler) GetInbox(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	agent, err := h.authAgent(c, agentID, "")
	if err != nil {
		log.Printf("ERROR: failed to auth agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read inbox"})
	}
	if agent == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid callback token"})
	}

	status := domain.InboxItemStatus(c.QueryParam("status"))
	if status == "" {
		status = domain.InboxStatusPending
	}
	if status != domain.InboxStatusPending && status != domain.InboxStatusAck {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status filter"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = h.config.PageSize
	}

	items, err := h.store.ListInboxItems(ctx, agentID, status, limit)
	if err != nil {
		log.Printf("ERROR: failed to list inbox: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read inbox"})
	}

	if err := h.store.TouchAgentSeen(ctx, agentID, time.Now().UTC()); err != nil {
		log.Printf("WARN: failed to touch last_seen_at: %v", err)
	}

	if items == nil {
		items = []domain.InboxItem{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

// AckInbox acknowledges one inbox item. A ping ack resolves the agent's
// health probe with the measured round-trip latency; re-acks are no-ops
// with a null latency.
// POST /v1/agents/:agent_id/inbox/ack
func (h *Handler) AckInbox(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	var req domain.AckRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.InboxID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "inbox_id is required"})
	}

	agent, err := h.authAgent(c, agentID, req.CallbackToken)
	if err != nil {
		log.Printf("ERROR: failed to auth agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to ack"})
	}
	if agent == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid callback token"})
	}

	now := time.Now().UTC()
	item, err := h.store.AckInboxItem(ctx, agentID, req.InboxID, req.Response, now)
	if err != nil {
		log.Printf("ERROR: failed to ack inbox item: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to ack"})
	}
	if item == nil {
		// already acked, foreign, or unknown: nothing changed
		return c.JSON(http.StatusOK, domain.AckResponse{LatencyMs: nil})
	}

	latencyMs := now.Sub(item.CreatedAt).Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}
	if err := h.store.RecordAgentPingAck(ctx, agentID, latencyMs, now); err != nil {
		log.Printf("ERROR: failed to record ping ack: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to ack"})
	}

	if item.Type == domain.InboxTypePing {
		h.hub.Publish(domain.EventAgentPingAck, map[string]interface{}{
			"agent_id":   agentID,
			"inbox_id":   item.InboxID,
			"latency_ms": latencyMs,
		})
	}

	return c.JSON(http.StatusOK, domain.AckResponse{LatencyMs: &latencyMs})
}
