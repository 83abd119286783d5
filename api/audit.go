package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crewdeck/crewdeck/domain"
	"github.com/crewdeck/crewdeck/store"
)

// QueryAudit reads the accountability ledger, newest first.
// GET /v1/audit?since=RFC3339&limit=&action=&thread_id=&run_id=
func (h *Handler) QueryAudit(c echo.Context) error {
	ctx := c.Request().Context()

	q := store.AuditQuery{
		Action:   c.QueryParam("action"),
		ThreadID: c.QueryParam("thread_id"),
		RunID:    c.QueryParam("run_id"),
	}
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
		}
		q.Since = t
	}
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		q.Limit = limit
	}

	events, err := h.ledger.Query(ctx, q)
	if err != nil {
		log.Printf("ERROR: failed to query audit ledger: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to query audit ledger"})
	}

	if events == nil {
		events = []domain.AuditEvent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
