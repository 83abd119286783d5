package hub

import (
	"encoding/json"
	"testing"
	"time"
)

type recorder struct {
	id       string
	payloads [][]byte
	full     bool
}

func (r *recorder) ID() string { return r.id }
func (r *recorder) TrySend(data []byte) bool {
	if r.full {
		return false
	}
	r.payloads = append(r.payloads, data)
	return true
}

func TestHubPublishEnvelope(t *testing.T) {
	h := NewHub()
	rec := &recorder{id: "obs1"}
	h.Register(rec)

	h.Publish("run.created", map[string]string{"run_id": "r1"})

	if len(rec.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(rec.payloads))
	}
	var env struct {
		Type string            `json:"type"`
		Ts   string            `json:"ts"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(rec.payloads[0], &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.Type != "run.created" {
		t.Fatalf("unexpected type: %s", env.Type)
	}
	if _, err := time.Parse(time.RFC3339Nano, env.Ts); err != nil {
		t.Fatalf("ts not ISO-8601: %s", env.Ts)
	}
	if env.Data["run_id"] != "r1" {
		t.Fatalf("unexpected data: %v", env.Data)
	}
}

func TestHubSkipsUnwritableSubscriber(t *testing.T) {
	h := NewHub()
	healthy := &recorder{id: "obs1"}
	stuck := &recorder{id: "obs2", full: true}
	h.Register(healthy)
	h.Register(stuck)

	h.Publish("run.updated", map[string]string{"run_id": "r1"})
	h.Publish("run.updated", map[string]string{"run_id": "r2"})

	if len(healthy.payloads) != 2 {
		t.Fatalf("healthy observer missed payloads: %d", len(healthy.payloads))
	}
	if len(stuck.payloads) != 0 {
		t.Fatalf("stuck observer should receive nothing")
	}
}

func TestHubUnregister(t *testing.T) {
	h := NewHub()
	rec := &recorder{id: "obs1"}
	h.Register(rec)
	if h.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	h.Unregister(rec)
	if h.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers")
	}

	h.Publish("run.created", nil)
	if len(rec.payloads) != 0 {
		t.Fatalf("unregistered observer should receive nothing")
	}
}
