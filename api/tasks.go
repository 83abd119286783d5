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

// CreateTask creates a task and drops a task_assigned item into the
// assignee's inbox.
// POST /v1/tasks
func (h *Handler) CreateTask(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Title == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "title is required"})
	}
	if req.AgentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
	}

	agent, err := h.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		log.Printf("ERROR: failed to get agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	if agent == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown agent: " + req.AgentID})
	}

	now := time.Now().UTC()
	task := &domain.Task{
		TaskID:    "task_" + uuid.New().String()[:8],
		Title:     req.Title,
		AgentID:   req.AgentID,
		Status:    "open",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateTask(ctx, task); err != nil {
		log.Printf("ERROR: failed to create task: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create task"})
	}

	payload, _ := json.Marshal(map[string]string{"task_id": task.TaskID, "title": task.Title})
	item := &domain.InboxItem{
		InboxID:   "inb_" + uuid.New().String()[:8],
		AgentID:   req.AgentID,
		TaskID:    task.TaskID,
		Type:      domain.InboxTypeTaskAssigned,
		Payload:   payload,
		Status:    domain.InboxStatusPending,
		CreatedAt: now,
	}
	if err := h.store.CreateInboxItem(ctx, item); err != nil {
		log.Printf("ERROR: failed to create task inbox item: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to assign task"})
	}

	h.hub.Publish(domain.EventTaskCreated, task)

	return c.JSON(http.StatusCreated, task)
}

// UpdateTask updates a task's title and/or status.
// PATCH /v1/tasks/:task_id
func (h *Handler) UpdateTask(c echo.Context) error {
	ctx := c.Request().Context()
	taskID := c.Param("task_id")

	var req domain.UpdateTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Title == "" && req.Status == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "nothing to update"})
	}

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("ERROR: failed to get task: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get task"})
	}
	if task == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}

	if req.Title != "" {
		task.Title = req.Title
	}
	if req.Status != "" {
		task.Status = req.Status
	}
	task.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateTask(ctx, task); err != nil {
		log.Printf("ERROR: failed to update task: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update task"})
	}

	h.hub.Publish(domain.EventTaskUpdated, task)

	return c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task and sweeps its inbox items.
// DELETE /v1/tasks/:task_id
func (h *Handler) DeleteTask(c echo.Context) error {
	ctx := c.Request().Context()
	taskID := c.Param("task_id")

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("ERROR: failed to get task: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get task"})
	}
	if task == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}

	if _, err := h.store.DeleteInboxItemsForTask(ctx, taskID); err != nil {
		log.Printf("ERROR: failed to sweep task inbox items: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete task"})
	}
	if _, err := h.store.DeleteTask(ctx, taskID); err != nil {
		log.Printf("ERROR: failed to delete task: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete task"})
	}

	h.hub.Publish(domain.EventTaskDeleted, map[string]string{"task_id": taskID})

	return c.NoContent(http.StatusNoContent)
}
