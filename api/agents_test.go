package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crewdeck/crewdeck/audit"
	"github.com/crewdeck/crewdeck/config"
	"github.com/crewdeck/crewdeck/dispatch"
	"github.com/crewdeck/crewdeck/domain"
	"github.com/crewdeck/crewdeck/internal/hub"
	"github.com/crewdeck/crewdeck/policy"
	"github.com/crewdeck/crewdeck/tests/helpers"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	cfg := &config.Config{
		PageSize:       50,
		PollInterval:   10 * time.Millisecond,
		ClaimBatchSize: 10,
		ThinkTime:      0,
		RunTimeout:     5 * time.Second,
	}
	s := helpers.NewTestSQLiteStore(t)
	ledger := audit.NewLedger(s)
	h := hub.NewHub()
	policyEngine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	dispatcher := dispatch.New(s, ledger, h, dispatch.ScriptedResponder{}, cfg)
	return NewHandler(s, ledger, h, policyEngine, dispatcher, cfg)
}

func registerAgent(t *testing.T, h *Handler, agentID string) string {
	t.Helper()
	e := echo.New()
	body := `{"agent_id":"` + agentID + `","name":"` + agentID + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/register", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.RegisterAgent(c); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.RegisterAgentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.CallbackToken == "" {
		t.Fatalf("expected callback token")
	}
	return resp.CallbackToken
}

func TestRegisterAgentValidation(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/register", bytes.NewBufferString(`{"name":"demo"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.RegisterAgent(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRegisterAgentIssuesTokenAndWelcome(t *testing.T) {
	h := newTestHandler(t)
	token := registerAgent(t, h, "demo")

	agent, err := h.store.GetAgent(context.Background(), "demo")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent == nil || agent.CallbackToken != token {
		t.Fatalf("stored token mismatch")
	}

	items, err := h.store.ListInboxItems(context.Background(), "demo", domain.InboxStatusPending, 10)
	if err != nil {
		t.Fatalf("ListInboxItems failed: %v", err)
	}
	if len(items) != 1 || items[0].Type != domain.InboxTypeWelcome {
		t.Fatalf("expected welcome item, got %+v", items)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/agents/a1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("agent_id")
	c.SetParamValues("a1")

	if err := h.GetAgent(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPingAgent(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/a1/ping", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("agent_id")
	c.SetParamValues("a1")

	if err := h.PingAgent(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	agent, err := h.store.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.PingStatus != domain.PingStatusPending {
		t.Fatalf("expected pending ping, got %s", agent.PingStatus)
	}
}

func TestGetInboxRequiresToken(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	req := httptest.NewRequest(http.MethodGet, "/v1/agents/a1/inbox", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("agent_id")
	c.SetParamValues("a1")

	if err := h.GetInbox(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// a rejected poll must not count as being seen
	agent, err := h.store.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.LastSeenAt != nil {
		t.Fatalf("bad token must not touch last_seen_at")
	}
}

func TestGetInboxUpdatesLastSeen(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)
	token := registerAgent(t, h, "a1")

	req := httptest.NewRequest(http.MethodGet, "/v1/agents/a1/inbox", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("agent_id")
	c.SetParamValues("a1")

	if err := h.GetInbox(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Items []domain.InboxItem `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Type != domain.InboxTypeWelcome {
		t.Fatalf("expected pending welcome item, got %+v", resp.Items)
	}

	agent, err := h.store.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.LastSeenAt == nil {
		t.Fatalf("expected last_seen_at to be set")
	}
}

func ackItem(t *testing.T, h *Handler, agentID, token, inboxID string) (*httptest.ResponseRecorder, domain.AckResponse) {
	t.Helper()
	e := echo.New()
	body, _ := json.Marshal(domain.AckRequest{InboxID: inboxID, CallbackToken: token})
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/"+agentID+"/inbox/ack", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("agent_id")
	c.SetParamValues(agentID)

	if err := h.AckInbox(c); err != nil {
		t.Fatalf("AckInbox failed: %v", err)
	}
	var resp domain.AckResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestAckPingMeasuresLatency(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)
	token := registerAgent(t, h, "a1")

	// send a ping
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/a1/ping", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("agent_id")
	c.SetParamValues("a1")
	if err := h.PingAgent(c); err != nil {
		t.Fatalf("PingAgent failed: %v", err)
	}
	var ping domain.InboxItem
	if err := json.Unmarshal(rec.Body.Bytes(), &ping); err != nil {
		t.Fatalf("bad ping response: %v", err)
	}

	ackRec, ack := ackItem(t, h, "a1", token, ping.InboxID)
	if ackRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ackRec.Code, ackRec.Body.String())
	}
	if ack.LatencyMs == nil || *ack.LatencyMs < 0 {
		t.Fatalf("expected measured latency, got %v", ack.LatencyMs)
	}

	agent, err := h.store.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.PingStatus != domain.PingStatusOK || agent.Status != domain.AgentStatusOnline {
		t.Fatalf("health not resolved: %+v", agent)
	}
	if agent.LastPingMs == nil {
		t.Fatalf("expected last_ping_ms")
	}

	// second ack: idempotent, null latency
	ackRec, ack = ackItem(t, h, "a1", token, ping.InboxID)
	if ackRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", ackRec.Code)
	}
	if ack.LatencyMs != nil {
		t.Fatalf("expected null latency on re-ack, got %v", *ack.LatencyMs)
	}
}

func TestAckWrongTokenMutatesNothing(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	items, err := h.store.ListInboxItems(context.Background(), "a1", domain.InboxStatusPending, 10)
	if err != nil || len(items) == 0 {
		t.Fatalf("expected pending item: %v", err)
	}

	rec, _ := ackItem(t, h, "a1", "wrong-token", items[0].InboxID)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	after, err := h.store.ListInboxItems(context.Background(), "a1", domain.InboxStatusPending, 10)
	if err != nil {
		t.Fatalf("ListInboxItems failed: %v", err)
	}
	if len(after) != len(items) {
		t.Fatalf("rejected ack mutated the inbox")
	}
}
