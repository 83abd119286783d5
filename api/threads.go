package api

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/crewdeck/crewdeck/domain"
)

// CreateThread creates a new thread.
// POST /v1/threads
func (h *Handler) CreateThread(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.CreateThreadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	now := time.Now().UTC()
	thread := &domain.Thread{
		ThreadID:  "thr_" + uuid.New().String()[:8],
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateThread(ctx, thread); err != nil {
		log.Printf("ERROR: failed to create thread: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create thread"})
	}

	return c.JSON(http.StatusCreated, thread)
}

// GetThread retrieves a thread.
// GET /v1/threads/:thread_id
func (h *Handler) GetThread(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	thread, err := h.store.GetThread(ctx, threadID)
	if err != nil {
		log.Printf("ERROR: failed to get thread: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get thread"})
	}
	if thread == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "thread not found"})
	}

	return c.JSON(http.StatusOK, thread)
}
