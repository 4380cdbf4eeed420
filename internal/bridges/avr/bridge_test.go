package avr

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockMQTT records publishes and lets tests deliver inbound messages to
// subscribed handlers.
type mockMQTT struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]func(topic string, payload []byte)
	connected bool
}

type mockPublish struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{
		handlers:  make(map[string]func(topic string, payload []byte)),
		connected: true,
	}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{topic, payload, qos, retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) Disconnect(quiesce uint) {}

// deliver routes a message to the handler whose subscription pattern covers
// the topic (single-level wildcard on the last segment only).
func (m *mockMQTT) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()

	m.mu.Lock()
	var handler func(string, []byte)
	for pattern, h := range m.handlers {
		prefix := strings.TrimSuffix(pattern, "+")
		if strings.HasPrefix(topic, prefix) {
			handler = h
			break
		}
	}
	m.mu.Unlock()

	if handler == nil {
		t.Fatalf("no subscription covers topic %s", topic)
	}
	handler(topic, payload)
}

// messagesOn returns all publishes to one topic.
func (m *mockMQTT) messagesOn(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// fakeSessionControl is a scripted SessionControl for bridge tests.
type fakeSessionControl struct {
	registry *Registry

	mu       sync.Mutex
	writes   []fakeWrite
	writeErr error
	readVal  any
	readErr  error
	onChange func(Change)
}

type fakeWrite struct {
	id    ControlID
	value any
}

func newFakeSession(t *testing.T) *fakeSessionControl {
	t.Helper()
	reg, err := NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry failed: %v", err)
	}
	return &fakeSessionControl{registry: reg}
}

func (f *fakeSessionControl) Read(ctx context.Context, id ControlID) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readVal, f.readErr
}

func (f *fakeSessionControl) Write(id ControlID, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, fakeWrite{id, value})
	return nil
}

func (f *fakeSessionControl) SetOnChange(fn func(Change)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

func (f *fakeSessionControl) Registry() *Registry { return f.registry }

func (f *fakeSessionControl) IsConnected() bool { return true }

func (f *fakeSessionControl) Stats() SessionStats {
	return SessionStats{LinesRx: 10, CommandsTx: 5, Connected: true}
}

func (f *fakeSessionControl) emitChange(c Change) {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeSessionControl) recordedWrites() []fakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func newTestBridge(t *testing.T) (*Bridge, *mockMQTT, *fakeSessionControl) {
	t.Helper()

	mqtt := newMockMQTT()
	session := newFakeSession(t)

	bridge, err := NewBridge(BridgeOptions{
		Config:     BridgeConfig{ID: "avr-test", Version: "test"},
		MQTTClient: mqtt,
		Session:    session,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(bridge.Stop)

	return bridge, mqtt, session
}

func TestBridgeRequiresDependencies(t *testing.T) {
	session := newFakeSession(t)

	if _, err := NewBridge(BridgeOptions{Session: session}); err == nil {
		t.Error("NewBridge without MQTT succeeded, want error")
	}
	if _, err := NewBridge(BridgeOptions{MQTTClient: newMockMQTT()}); err == nil {
		t.Error("NewBridge without session succeeded, want error")
	}
}

func TestBridgeSubscribes(t *testing.T) {
	_, mqtt, _ := newTestBridge(t)

	mqtt.mu.Lock()
	defer mqtt.mu.Unlock()
	for _, want := range []string{"avrbridge/command/avr/+", "avrbridge/read/avr/+"} {
		if _, ok := mqtt.handlers[want]; !ok {
			t.Errorf("no subscription on %s", want)
		}
	}
}

func TestBridgeCommandAccepted(t *testing.T) {
	_, mqtt, session := newTestBridge(t)

	cmd := CommandMessage{ID: "cmd-1", Timestamp: time.Now().UTC(), Value: "ON"}
	payload, _ := json.Marshal(cmd) //nolint:errcheck
	mqtt.deliver(t, CommandTopic(ControlPower), payload)

	writes := session.recordedWrites()
	if len(writes) != 1 {
		t.Fatalf("session saw %d writes, want 1", len(writes))
	}
	if writes[0].id != ControlPower || writes[0].value != "ON" {
		t.Errorf("write = %+v, want power=ON", writes[0])
	}

	acks := mqtt.messagesOn(AckTopic(ControlPower))
	if len(acks) != 1 {
		t.Fatalf("published %d acks, want 1", len(acks))
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Status != AckAccepted {
		t.Errorf("ack status = %s, want accepted", ack.Status)
	}
	if ack.CommandID != "cmd-1" {
		t.Errorf("ack command_id = %s, want cmd-1", ack.CommandID)
	}
}

func TestBridgeCommandAssignsID(t *testing.T) {
	_, mqtt, _ := newTestBridge(t)

	payload := []byte(`{"value": "ON"}`)
	mqtt.deliver(t, CommandTopic(ControlPower), payload)

	acks := mqtt.messagesOn(AckTopic(ControlPower))
	if len(acks) != 1 {
		t.Fatalf("published %d acks, want 1", len(acks))
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.CommandID == "" {
		t.Error("ack command_id empty, want generated ID")
	}
}

func TestBridgeCommandCoercesJSONNumbers(t *testing.T) {
	_, mqtt, session := newTestBridge(t)

	// encoding/json delivers 50 as float64; numeric codecs need int.
	payload := []byte(`{"id": "cmd-2", "value": 50}`)
	mqtt.deliver(t, CommandTopic(ControlMasterVolume), payload)

	writes := session.recordedWrites()
	if len(writes) != 1 {
		t.Fatalf("session saw %d writes, want 1", len(writes))
	}
	if v, ok := writes[0].value.(int); !ok || v != 50 {
		t.Errorf("write value = %v (%T), want int 50", writes[0].value, writes[0].value)
	}
}

func TestBridgeCommandUnknownControl(t *testing.T) {
	_, mqtt, session := newTestBridge(t)

	payload := []byte(`{"id": "cmd-3", "value": "ON"}`)
	mqtt.deliver(t, CommandTopic("nonexistent"), payload)

	if len(session.recordedWrites()) != 0 {
		t.Error("unknown control reached the session")
	}

	acks := mqtt.messagesOn(AckTopic("nonexistent"))
	if len(acks) != 1 {
		t.Fatalf("published %d acks, want 1", len(acks))
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Status != AckFailed {
		t.Errorf("ack status = %s, want failed", ack.Status)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeUnknownControl {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeUnknownControl)
	}
}

func TestBridgeCommandWriteFailure(t *testing.T) {
	_, mqtt, session := newTestBridge(t)
	session.writeErr = ErrValueOutOfRange

	payload := []byte(`{"id": "cmd-4", "value": 99}`)
	mqtt.deliver(t, CommandTopic(ControlMasterVolume), payload)

	acks := mqtt.messagesOn(AckTopic(ControlMasterVolume))
	if len(acks) != 1 {
		t.Fatalf("published %d acks, want 1", len(acks))
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Status != AckFailed {
		t.Errorf("ack status = %s, want failed", ack.Status)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidValue {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeInvalidValue)
	}
}

func TestBridgeReadRequest(t *testing.T) {
	_, mqtt, session := newTestBridge(t)
	session.readVal = 50

	payload := []byte(`{"id": "req-1"}`)
	mqtt.deliver(t, ReadTopic(ControlMasterVolume), payload)

	respTopic := ResponseTopic(ControlMasterVolume)
	waitFor(t, "read response", func() bool {
		return len(mqtt.messagesOn(respTopic)) > 0
	})

	var resp ReadResponseMessage
	if err := json.Unmarshal(mqtt.messagesOn(respTopic)[0].payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response failed: %+v", resp.Error)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("request_id = %s, want req-1", resp.RequestID)
	}
	// JSON round-trips the int as float64.
	if v, ok := resp.Value.(float64); !ok || v != 50 {
		t.Errorf("value = %v, want 50", resp.Value)
	}
}

func TestBridgeReadFailure(t *testing.T) {
	_, mqtt, session := newTestBridge(t)
	session.readErr = context.DeadlineExceeded

	payload := []byte(`{"id": "req-2"}`)
	mqtt.deliver(t, ReadTopic(ControlPower), payload)

	respTopic := ResponseTopic(ControlPower)
	waitFor(t, "read response", func() bool {
		return len(mqtt.messagesOn(respTopic)) > 0
	})

	var resp ReadResponseMessage
	if err := json.Unmarshal(mqtt.messagesOn(respTopic)[0].payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Success {
		t.Fatal("response succeeded, want failure")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeTimeout {
		t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeTimeout)
	}
}

func TestBridgePublishesRetainedState(t *testing.T) {
	_, mqtt, session := newTestBridge(t)

	session.emitChange(Change{Control: ControlMasterVolume, Value: 62})

	states := mqtt.messagesOn(StateTopic(ControlMasterVolume))
	if len(states) != 1 {
		t.Fatalf("published %d state messages, want 1", len(states))
	}
	if !states[0].retained {
		t.Error("state message not retained")
	}

	var msg StateMessage
	if err := json.Unmarshal(states[0].payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if msg.Control != string(ControlMasterVolume) {
		t.Errorf("control = %s, want %s", msg.Control, ControlMasterVolume)
	}
	if v, ok := msg.Value.(float64); !ok || v != 62 {
		t.Errorf("value = %v, want 62", msg.Value)
	}
}

// recordingHistory captures history writes for assertions.
type recordingHistory struct {
	mu      sync.Mutex
	records []historyRecord
	err     error
}

type historyRecord struct {
	control string
	value   any
}

func (h *recordingHistory) RecordControlState(ctx context.Context, control string, value any, observed time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.records = append(h.records, historyRecord{control, value})
	return nil
}

func TestBridgeRecordsHistory(t *testing.T) {
	mqtt := newMockMQTT()
	session := newFakeSession(t)
	history := &recordingHistory{}

	bridge, err := NewBridge(BridgeOptions{
		Config:     BridgeConfig{ID: "avr-test"},
		MQTTClient: mqtt,
		Session:    session,
		History:    history,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(bridge.Stop)

	session.emitChange(Change{Control: ControlInputSource, Value: "TV"})

	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.records) != 1 {
		t.Fatalf("recorded %d history entries, want 1", len(history.records))
	}
	if history.records[0].control != string(ControlInputSource) || history.records[0].value != "TV" {
		t.Errorf("record = %+v, want input_source=TV", history.records[0])
	}
}

func TestBridgeStopIdempotent(t *testing.T) {
	bridge, _, _ := newTestBridge(t)
	bridge.Stop()
	bridge.Stop()
}

func TestCoerceValue(t *testing.T) {
	numeric := Codec{Kind: CodecNumeric, Digits: 2}
	enum := Codec{Kind: CodecEnum, Table: PowerTokens}

	tests := []struct {
		name  string
		codec Codec
		in    any
		want  any
	}{
		{"integral float to int", numeric, float64(50), 50},
		{"fractional float untouched", numeric, 50.5, 50.5},
		{"string untouched", numeric, "+", "+"},
		{"enum float untouched", enum, float64(1), float64(1)},
		{"bool untouched", numeric, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := coerceValue(tt.codec, tt.in); got != tt.want {
				t.Errorf("coerceValue(%v) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
			}
		})
	}
}
