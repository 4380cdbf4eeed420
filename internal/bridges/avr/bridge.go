package avr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 4

	// readTimeout bounds each read request. A read that the receiver never
	// answers (e.g. a control hidden by the current input) fails with
	// ErrCodeTimeout rather than holding a goroutine forever.
	readTimeout = 5 * time.Second

	// readAllTimeout bounds the startup sweep over every status command.
	readAllTimeout = 30 * time.Second
)

// Bridge orchestrates bidirectional translation between the receiver's
// control protocol and MQTT. It handles:
//   - Receiving commands from Core via MQTT and writing them to the session
//   - Receiving read requests and answering them from the session
//   - Publishing retained state whenever a control value is observed
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg     BridgeConfig
	mqtt    MQTTClient
	session SessionControl
	health  *HealthReporter
	history HistoryRecorder // Optional state history sink

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// BridgeConfig holds bridge-level settings.
type BridgeConfig struct {
	// ID identifies this bridge instance in health messages.
	ID string

	// Version is the bridge software version for health messages.
	Version string

	// HealthInterval is the period between health publications.
	HealthInterval time.Duration

	// ReadAllOnStart sweeps every control's status command at startup so
	// the retained state topics are populated before the first command.
	ReadAllOnStart bool
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// SessionControl is the subset of Session the bridge depends on.
// Satisfied by *Session; narrowed to an interface for test doubles.
type SessionControl interface {
	// Read returns a control's value, from cache or by querying the device.
	Read(ctx context.Context, id ControlID) (any, error)

	// Write queues a set command for a control.
	Write(id ControlID, value any) error

	// SetOnChange registers the observer invoked for every decoded value.
	SetOnChange(fn func(Change))

	// Registry returns the control catalog the session routes against.
	Registry() *Registry

	// IsConnected reports whether the underlying stream is open.
	IsConnected() bool

	// Stats returns session counters.
	Stats() SessionStats
}

// HistoryRecorder persists observed control values for later analysis.
// This is optional - if nil, the bridge operates without history.
type HistoryRecorder interface {
	// RecordControlState writes one observed value with its timestamp.
	RecordControlState(ctx context.Context, control string, value any, observed time.Time) error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the bridge configuration.
	Config BridgeConfig

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Session is the receiver session.
	Session SessionControl

	// Logger is optional structured logger.
	Logger Logger

	// History is optional state history sink.
	// If nil, the bridge operates without history recording.
	History HistoryRecorder
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if opts.Config.ID == "" {
		opts.Config.ID = "avr-bridge"
	}
	if opts.Config.Version == "" {
		opts.Config.Version = "dev"
	}

	// Bridge-level context aborts in-flight reads on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:       opts.Config,
		mqtt:      opts.MQTTClient,
		session:   opts.Session,
		history:   opts.History, // May be nil (optional)
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.ID,
		Version:   opts.Config.Version,
		Interval:  opts.Config.HealthInterval,
		Publisher: opts.MQTTClient,
		Session:   opts.Session,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This subscribes to MQTT topics, registers the session change observer,
// and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	// Publish starting status
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	// Every decoded value, whether provoked by us or pushed by the device,
	// becomes a retained state message.
	b.session.SetOnChange(b.handleChange)

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	readTopic := ReadSubscribeTopic()
	if err := b.mqtt.Subscribe(readTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to reads: %w", err)
	}
	b.logInfo("subscribed to reads", "topic", readTopic)

	// Start health reporting
	b.health.Start(ctx)

	// Publish initial healthy status
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	if b.cfg.ReadAllOnStart {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.readAllControls(b.ctx)
		}()
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.ID,
		"controls", b.session.Registry().Len())

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Abort in-flight reads
		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		// Wait for pending handlers
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// readAllControls reads every registered control once so the retained state
// topics reflect the receiver's current settings after startup.
func (b *Bridge) readAllControls(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, readAllTimeout)
	defer cancel()

	read := 0
	for _, id := range b.session.Registry().IDs() {
		if _, err := b.session.Read(readCtx, id); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				b.logInfo("startup read-all interrupted", "reads_done", read)
				return
			}
			b.logDebug("startup read skipped", "control", id, "reason", err.Error())
			continue
		}
		read++
	}

	if read > 0 {
		b.logInfo("startup read-all complete", "reads_done", read)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	// avrbridge/{category}/avr/{control}
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	category := parts[1]
	control := ControlID(parts[len(parts)-1])

	switch category {
	case "command":
		b.handleCommand(control, payload)
	case "read":
		b.handleRead(control, payload)
	default:
		b.logError("unknown message category", fmt.Errorf("category: %s", category))
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(control ControlID, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"control", control,
		"value", cmd.Value)

	ctl, ok := b.session.Registry().Control(control)
	if !ok {
		b.publishAckError(cmd, control, ErrCodeUnknownControl,
			fmt.Sprintf("control %s not registered", control))
		return
	}

	value := coerceValue(ctl.Codec, cmd.Value)
	if err := b.session.Write(control, value); err != nil {
		b.publishAckError(cmd, control, errCodeFor(err), err.Error())
		return
	}

	b.publishAck(cmd, control)
}

// handleRead processes a read request from Core. The session read may block
// until the receiver replies, so it runs in its own goroutine.
func (b *Bridge) handleRead(control ControlID, payload []byte) {
	var req ReadRequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse read request", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(b.ctx, readTimeout)
		defer cancel()

		resp := ReadResponseMessage{
			RequestID: req.ID,
			Timestamp: time.Now().UTC(),
			Control:   string(control),
		}

		value, err := b.session.Read(ctx, control)
		if err != nil {
			resp.Success = false
			resp.Error = &AckError{Code: errCodeFor(err), Message: err.Error()}
		} else {
			resp.Success = true
			resp.Value = value
		}

		respPayload, err := json.Marshal(resp)
		if err != nil {
			b.logError("failed to marshal read response", err)
			return
		}
		if err := b.mqtt.Publish(ResponseTopic(control), respPayload, 1, false); err != nil {
			b.logError("failed to publish read response", err)
		}
	}()
}

// handleChange publishes a retained state message for every decoded value
// and records it to the history sink when one is configured. Change
// detection is unnecessary: the session only reports values it decoded from
// the wire, and retained topics converge to the latest observation.
func (b *Bridge) handleChange(change Change) {
	msg := StateMessage{
		Control:   string(change.Control),
		Timestamp: time.Now().UTC(),
		Value:     change.Value,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	if err := b.mqtt.Publish(StateTopic(change.Control), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}

	if b.history != nil {
		if err := b.history.RecordControlState(b.ctx, string(change.Control), change.Value, msg.Timestamp); err != nil {
			b.logDebug("history record skipped",
				"control", change.Control,
				"reason", err.Error())
		}
	}
}

// publishAck publishes an accepted acknowledgment. The protocol has no
// device-level ack for writes; acceptance means the command passed
// validation and was queued for transmission.
func (b *Bridge) publishAck(cmd CommandMessage, control ControlID) {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Control:   string(control),
		Status:    AckAccepted,
	}

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	if err := b.mqtt.Publish(AckTopic(control), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, control ControlID, code, message string) {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Control:   string(control),
		Status:    AckFailed,
		Error:     &AckError{Code: code, Message: message},
	}

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack error", err)
		return
	}

	if err := b.mqtt.Publish(AckTopic(control), payload, 1, false); err != nil {
		b.logError("failed to publish ack error", err)
	}

	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

// coerceValue adapts JSON-decoded values to the types the codec expects.
// encoding/json delivers every number as float64; integral floats become
// int for numeric codecs. Non-integral floats pass through unchanged so the
// codec reports the range/type error itself.
func coerceValue(codec Codec, value any) any {
	switch codec.Kind {
	case CodecNumeric, CodecRelativeVolume:
		if f, ok := value.(float64); ok && f == math.Trunc(f) {
			return int(f)
		}
	}
	return value
}

// errCodeFor maps session errors to wire error codes.
func errCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrUnknownControl):
		return ErrCodeUnknownControl
	case errors.Is(err, ErrInvalidValue), errors.Is(err, ErrValueOutOfRange), errors.Is(err, ErrNotASCII):
		return ErrCodeInvalidValue
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrNotOpen):
		return ErrCodeDisconnected
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeBridgeError
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
