package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/crewdeck/crewdeck/audit"
	"github.com/crewdeck/crewdeck/domain"
	"github.com/crewdeck/crewdeck/policy"
)

// PostMessage stores a message and enqueues a run for each allowed target
// agent.
// POST /v1/threads/:thread_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	var req domain.PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.AuthorID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "author_id is required"})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}
	if req.AuthorType != domain.ActorTypeUser && req.AuthorType != domain.ActorTypeAgent {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "author_type must be user or agent"})
	}

	thread, err := h.store.GetThread(ctx, threadID)
	if err != nil {
		log.Printf("ERROR: failed to get thread: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get thread"})
	}
	if thread == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "thread not found"})
	}

	// all targets must exist before anything is written
	for _, agentID := range req.TargetAgentIDs {
		agent, err := h.store.GetAgent(ctx, agentID)
		if err != nil {
			log.Printf("ERROR: failed to get agent: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
		}
		if agent == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown target agent: " + agentID})
		}
	}

	now := time.Now().UTC()
	msg := &domain.Message{
		MessageID:  "msg_" + uuid.New().String()[:8],
		ThreadID:   threadID,
		AuthorID:   req.AuthorID,
		AuthorType: req.AuthorType,
		Content:    req.Content,
		CreatedAt:  now,
	}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		log.Printf("ERROR: failed to create message: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create message"})
	}
	h.hub.Publish(domain.EventMessageCreated, msg)

	actor := domain.UserActor(req.AuthorID)
	if req.AuthorType == domain.ActorTypeAgent {
		actor = domain.AgentActor(req.AuthorID)
	}

	runs := []domain.Run{}
	for _, agentID := range req.TargetAgentIDs {
		decision, reason, err := h.policy.EvaluateDispatch(ctx, policy.DispatchInput{
			RequesterID:   req.AuthorID,
			RequesterType: req.AuthorType,
			AgentID:       agentID,
			ThreadID:      threadID,
		})
		if err != nil {
			log.Printf("ERROR: dispatch policy failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "dispatch policy failed"})
		}

		if decision == domain.DecisionBlock {
			if _, err := h.ledger.Append(ctx, audit.Entry{
				Actor:        actor,
				Action:       domain.ActionRunBlocked,
				ResourceType: "agent",
				ResourceID:   agentID,
				ThreadID:     threadID,
				Decision:     domain.DecisionBlock,
				Reason:       reason,
			}); err != nil {
				log.Printf("ERROR: failed to audit blocked dispatch: %v", err)
			}
			continue
		}

		run := &domain.Run{
			RunID:          "run_" + uuid.New().String()[:8],
			ThreadID:       threadID,
			RequesterID:    req.AuthorID,
			RequesterType:  req.AuthorType,
			AgentID:        agentID,
			Status:         domain.RunStatusQueued,
			InputMessageID: msg.MessageID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := h.store.CreateRun(ctx, run); err != nil {
			log.Printf("ERROR: failed to create run: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create run"})
		}

		if _, err := h.ledger.Append(ctx, audit.Entry{
			Actor:        actor,
			Action:       domain.ActionRunEnqueue,
			ResourceType: "run",
			ResourceID:   run.RunID,
			ThreadID:     threadID,
			RunID:        run.RunID,
			Decision:     domain.DecisionAllow,
		}); err != nil {
			log.Printf("ERROR: failed to audit enqueue: %v", err)
		}
		h.hub.Publish(domain.EventRunCreated, run)

		runs = append(runs, *run)
	}

	return c.JSON(http.StatusCreated, domain.PostMessageResponse{Message: *msg, Runs: runs})
}

// GetMessages returns messages for a thread, ascending by sequence.
// GET /v1/threads/:thread_id/messages
func (h *Handler) GetMessages(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = h.config.PageSize
	}
	afterSeq, _ := strconv.ParseInt(c.QueryParam("after_seq"), 10, 64)

	thread, err := h.store.GetThread(ctx, threadID)
	if err != nil {
		log.Printf("ERROR: failed to get thread: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get thread"})
	}
	if thread == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "thread not found"})
	}

	messages, err := h.store.GetMessages(ctx, threadID, limit+1, afterSeq)
	if err != nil {
		log.Printf("ERROR: failed to get messages: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get messages"})
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
		"has_more": hasMore,
	})
}
