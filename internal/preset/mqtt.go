package preset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MQTT surface for preset management. Clients publish requests to
// avrbridge/preset/{action} and receive replies on avrbridge/preset/response.
const (
	// topicPrefix is the base topic for preset requests.
	topicPrefix = "avrbridge/preset"

	actionCapture = "capture"
	actionApply   = "apply"
	actionList    = "list"
	actionDelete  = "delete"

	// responseSegment is the reply topic suffix, excluded from request routing.
	responseSegment = "response"

	// requestTimeout bounds repository work per request.
	requestTimeout = 5 * time.Second
)

// MQTTClient is the interface for MQTT operations the handler needs.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// Logger is the optional structured logger interface.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// RequestMessage is the payload for preset requests.
//
// Topic: avrbridge/preset/{capture|apply|list|delete}
type RequestMessage struct {
	// ID is a client-supplied correlation id. Generated when absent.
	ID string `json:"id,omitempty"`

	// Name names the preset to create (capture only).
	Name string `json:"name,omitempty"`

	// Description is optional free text (capture only).
	Description string `json:"description,omitempty"`

	// PresetID selects a stored preset (apply and delete).
	PresetID string `json:"preset_id,omitempty"`
}

// ResponseMessage is the payload for preset replies.
//
// Topic: avrbridge/preset/response
type ResponseMessage struct {
	RequestID string    `json:"request_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"` // "ok" or "error"
	Error     string    `json:"error,omitempty"`
	Preset    *Preset   `json:"preset,omitempty"`
	Presets   []Preset  `json:"presets,omitempty"`
}

// RequestTopic returns the MQTT topic for one preset action.
func RequestTopic(action string) string {
	return fmt.Sprintf("%s/%s", topicPrefix, action)
}

// ResponseTopic returns the MQTT topic replies are published on.
func ResponseTopic() string {
	return fmt.Sprintf("%s/%s", topicPrefix, responseSegment)
}

// SubscribeTopic returns the subscription pattern covering all actions.
func SubscribeTopic() string {
	return topicPrefix + "/+"
}

// Handler exposes the preset service over MQTT.
//
// One instance per bridge process. Requests run synchronously inside the
// broker callback; repository work is bounded by requestTimeout.
type Handler struct {
	svc  *Service
	repo Repository
	mqtt MQTTClient

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHandler creates a preset MQTT handler.
// Call Start() to begin serving requests.
func NewHandler(svc *Service, repo Repository, client MQTTClient) (*Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("preset service is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("preset repository is required")
	}
	if client == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	return &Handler{svc: svc, repo: repo, mqtt: client}, nil
}

// SetLogger sets the structured logger.
func (h *Handler) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start subscribes to the preset request topics.
func (h *Handler) Start() error {
	if err := h.mqtt.Subscribe(SubscribeTopic(), 1, h.handleRequest); err != nil {
		return fmt.Errorf("subscribing to preset requests: %w", err)
	}
	h.logInfo("preset handler started", "topic", SubscribeTopic())
	return nil
}

// handleRequest routes one inbound request by its topic's action segment.
func (h *Handler) handleRequest(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	action := parts[len(parts)-1]
	if action == responseSegment {
		// Our own replies arrive here through the wildcard subscription.
		return
	}

	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		h.logWarn("invalid preset request payload", "topic", topic, "error", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp := ResponseMessage{
		RequestID: req.ID,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Status:    "ok",
	}

	var err error
	switch action {
	case actionCapture:
		resp.Preset, err = h.svc.Capture(ctx, req.Name, req.Description)
	case actionApply:
		resp.Preset, err = h.svc.Apply(ctx, req.PresetID)
	case actionList:
		resp.Presets, err = h.repo.List(ctx)
	case actionDelete:
		err = h.repo.Delete(ctx, req.PresetID)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}

	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		h.logWarn("preset request failed", "action", action, "request_id", req.ID, "error", err)
	} else {
		h.logDebug("preset request handled", "action", action, "request_id", req.ID)
	}

	h.publishResponse(resp)
}

// publishResponse sends one reply on the response topic.
func (h *Handler) publishResponse(resp ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		h.logError("failed to marshal preset response", err)
		return
	}
	if err := h.mqtt.Publish(ResponseTopic(), payload, 1, false); err != nil {
		h.logError("failed to publish preset response", err)
	}
}

func (h *Handler) getLogger() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

func (h *Handler) logDebug(msg string, keysAndValues ...any) {
	if l := h.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (h *Handler) logInfo(msg string, keysAndValues ...any) {
	if l := h.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (h *Handler) logWarn(msg string, keysAndValues ...any) {
	if l := h.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (h *Handler) logError(msg string, err error) {
	if l := h.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}
