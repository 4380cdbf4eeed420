package preset

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/nerrad567/avr-bridge/internal/bridges/avr"
)

type handlerMQTT struct {
	mu        sync.Mutex
	published []handlerPublish
	handlers  map[string]func(topic string, payload []byte)
}

type handlerPublish struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newHandlerMQTT() *handlerMQTT {
	return &handlerMQTT{handlers: make(map[string]func(topic string, payload []byte))}
}

func (m *handlerMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, handlerPublish{topic, payload, qos, retained})
	return nil
}

func (m *handlerMQTT) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

// deliver simulates a broker delivering one message to the subscription.
func (m *handlerMQTT) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	h, ok := m.handlers[SubscribeTopic()]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s", SubscribeTopic())
	}
	h(topic, payload)
}

// lastResponse decodes the most recent message on the response topic.
func (m *handlerMQTT) lastResponse(t *testing.T) ResponseMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.published) - 1; i >= 0; i-- {
		if m.published[i].topic == ResponseTopic() {
			var resp ResponseMessage
			if err := json.Unmarshal(m.published[i].payload, &resp); err != nil {
				t.Fatalf("unmarshaling response: %v", err)
			}
			return resp
		}
	}
	t.Fatal("no response published")
	return ResponseMessage{}
}

func newTestHandler(t *testing.T) (*Handler, *fakeSession, *handlerMQTT) {
	t.Helper()
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	session := newFakeSession(t)
	svc := NewService(repo, session)
	client := newHandlerMQTT()
	h, err := NewHandler(svc, repo, client)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return h, session, client
}

func TestHandlerCapture(t *testing.T) {
	_, session, client := newTestHandler(t)
	session.cache[avr.ControlPower] = "ON"
	session.cache[avr.ControlMasterVolume] = 45

	req, _ := json.Marshal(RequestMessage{ID: "req-1", Name: "Movie Night"})
	client.deliver(t, RequestTopic(actionCapture), req)

	resp := client.lastResponse(t)
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %s (%s)", resp.Status, resp.Error)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("expected request id req-1, got %s", resp.RequestID)
	}
	if resp.Action != actionCapture {
		t.Errorf("expected action capture, got %s", resp.Action)
	}
	if resp.Preset == nil {
		t.Fatal("expected captured preset in response")
	}
	if resp.Preset.Name != "Movie Night" {
		t.Errorf("expected name Movie Night, got %s", resp.Preset.Name)
	}
	if len(resp.Preset.Controls) != 2 {
		t.Errorf("expected 2 captured controls, got %d", len(resp.Preset.Controls))
	}
}

func TestHandlerCaptureEmptyCache(t *testing.T) {
	_, _, client := newTestHandler(t)

	req, _ := json.Marshal(RequestMessage{Name: "Empty"})
	client.deliver(t, RequestTopic(actionCapture), req)

	resp := client.lastResponse(t)
	if resp.Status != "error" {
		t.Fatalf("expected error response, got %s", resp.Status)
	}
	if resp.RequestID == "" {
		t.Error("expected generated request id")
	}
}

func TestHandlerApply(t *testing.T) {
	_, session, client := newTestHandler(t)
	session.cache[avr.ControlPower] = "ON"

	capReq, _ := json.Marshal(RequestMessage{ID: "cap", Name: "Baseline"})
	client.deliver(t, RequestTopic(actionCapture), capReq)
	captured := client.lastResponse(t)
	if captured.Status != "ok" {
		t.Fatalf("capture failed: %s", captured.Error)
	}

	applyReq, _ := json.Marshal(RequestMessage{ID: "app", PresetID: captured.Preset.ID})
	client.deliver(t, RequestTopic(actionApply), applyReq)

	resp := client.lastResponse(t)
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %s (%s)", resp.Status, resp.Error)
	}
	if resp.Action != actionApply {
		t.Errorf("expected action apply, got %s", resp.Action)
	}
	session.mu.Lock()
	writes := len(session.writes)
	session.mu.Unlock()
	if writes != 1 {
		t.Errorf("expected 1 write to the receiver, got %d", writes)
	}
}

func TestHandlerApplyUnknownPreset(t *testing.T) {
	_, _, client := newTestHandler(t)

	req, _ := json.Marshal(RequestMessage{ID: "x", PresetID: "no-such-id"})
	client.deliver(t, RequestTopic(actionApply), req)

	resp := client.lastResponse(t)
	if resp.Status != "error" {
		t.Fatalf("expected error response, got %s", resp.Status)
	}
}

func TestHandlerList(t *testing.T) {
	_, session, client := newTestHandler(t)
	session.cache[avr.ControlPower] = "ON"

	for _, name := range []string{"One", "Two"} {
		req, _ := json.Marshal(RequestMessage{Name: name})
		client.deliver(t, RequestTopic(actionCapture), req)
	}

	req, _ := json.Marshal(RequestMessage{ID: "list-1"})
	client.deliver(t, RequestTopic(actionList), req)

	resp := client.lastResponse(t)
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %s (%s)", resp.Status, resp.Error)
	}
	if len(resp.Presets) != 2 {
		t.Errorf("expected 2 presets, got %d", len(resp.Presets))
	}
}

func TestHandlerDelete(t *testing.T) {
	_, session, client := newTestHandler(t)
	session.cache[avr.ControlPower] = "ON"

	capReq, _ := json.Marshal(RequestMessage{Name: "Doomed"})
	client.deliver(t, RequestTopic(actionCapture), capReq)
	captured := client.lastResponse(t)

	delReq, _ := json.Marshal(RequestMessage{ID: "del", PresetID: captured.Preset.ID})
	client.deliver(t, RequestTopic(actionDelete), delReq)

	resp := client.lastResponse(t)
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %s (%s)", resp.Status, resp.Error)
	}

	listReq, _ := json.Marshal(RequestMessage{ID: "list"})
	client.deliver(t, RequestTopic(actionList), listReq)
	listResp := client.lastResponse(t)
	if len(listResp.Presets) != 0 {
		t.Errorf("expected empty list after delete, got %d", len(listResp.Presets))
	}
}

func TestHandlerUnknownAction(t *testing.T) {
	_, _, client := newTestHandler(t)

	req, _ := json.Marshal(RequestMessage{ID: "bad"})
	client.deliver(t, "avrbridge/preset/bogus", req)

	resp := client.lastResponse(t)
	if resp.Status != "error" {
		t.Fatalf("expected error response, got %s", resp.Status)
	}
}

func TestHandlerIgnoresResponses(t *testing.T) {
	_, _, client := newTestHandler(t)

	client.deliver(t, ResponseTopic(), []byte(`{"request_id":"loop"}`))

	client.mu.Lock()
	published := len(client.published)
	client.mu.Unlock()
	if published != 0 {
		t.Errorf("expected no publishes when receiving own response, got %d", published)
	}
}

func TestHandlerMalformedPayload(t *testing.T) {
	_, _, client := newTestHandler(t)

	client.deliver(t, RequestTopic(actionList), []byte("{not json"))

	client.mu.Lock()
	published := len(client.published)
	client.mu.Unlock()
	if published != 0 {
		t.Errorf("expected no response to malformed payload, got %d publishes", published)
	}
}
