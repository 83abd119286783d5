package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/crewdeck/crewdeck/domain"
	"github.com/crewdeck/crewdeck/store"
)

// GetRun retrieves a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		log.Printf("ERROR: failed to get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	return c.JSON(http.StatusOK, run)
}

// CancelRunRequest identifies who asked for the cancellation.
type CancelRunRequest struct {
	RequesterID   string           `json:"requester_id"`
	RequesterType domain.ActorType `json:"requester_type"`
}

// CancelRun cancels a queued or running run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	var req CancelRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	actor := domain.SystemActor()
	switch req.RequesterType {
	case domain.ActorTypeUser:
		if req.RequesterID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "requester_id is required"})
		}
		actor = domain.UserActor(req.RequesterID)
	case domain.ActorTypeAgent:
		if req.RequesterID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "requester_id is required"})
		}
		actor = domain.AgentActor(req.RequesterID)
	case domain.ActorTypeSystem, "":
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid requester_type"})
	}

	ok, err := h.dispatcher.Cancel(ctx, runID, actor)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		log.Printf("ERROR: failed to cancel run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to cancel run"})
	}
	if !ok {
		return c.JSON(http.StatusConflict, map[string]string{"error": "run is not cancelable"})
	}

	run, err := h.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		log.Printf("ERROR: failed to reload run: %v", err)
		return c.JSON(http.StatusOK, map[string]string{"run_id": runID, "status": string(domain.RunStatusCanceled)})
	}
	return c.JSON(http.StatusOK, run)
}
