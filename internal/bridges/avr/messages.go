package avr

import (
	"fmt"
	"time"
)

// MQTT message types for communication between the automation core and the
// AVR bridge. Topics follow the flat scheme
// avrbridge/{category}/avr/{control}.

// CommandMessage is sent from Core to Bridge to change a control.
// Topic: avrbridge/command/avr/{control}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with the ack.
	// The bridge assigns one when the sender omits it.
	ID string `json:"id,omitempty"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Value is the value to write, typed per the control's codec:
	// string for raw/enumerated controls (including the "+"/"-" volume
	// adjust sentinels), bool for on/off controls, number for numeric
	// controls.
	Value any `json:"value"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was validated and queued for the
	// receiver. The protocol carries no device-level acknowledgment; a
	// later state message is the only confirmation of effect.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command was rejected before transmission.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: avrbridge/ack/avr/{control}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Control is the control identity.
	Control string `json:"control"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Error contains details if status is "failed".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g. "INVALID_VALUE").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command and read failures.
const (
	ErrCodeUnknownControl = "UNKNOWN_CONTROL"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeDisconnected   = "DISCONNECTED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeBridgeError    = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core whenever a control's value is
// observed on the wire - whether provoked by a status command or pushed by
// the device when someone uses the physical remote.
// Topic: avrbridge/state/avr/{control}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// Control is the control identity.
	Control string `json:"control"`

	// Timestamp is when the value was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Value is the decoded value (string, bool, or number per codec).
	Value any `json:"value"`
}

// ReadRequestMessage is sent from Core to Bridge to request a control read.
// Topic: avrbridge/read/avr/{control}
type ReadRequestMessage struct {
	// ID uniquely identifies this request for correlation.
	ID string `json:"id,omitempty"`

	// Timestamp is when the request was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`
}

// ReadResponseMessage is sent from Bridge to Core with a read result.
// Topic: avrbridge/response/avr/{control}
type ReadResponseMessage struct {
	// RequestID is the ID from the original request.
	RequestID string `json:"request_id"`

	// Timestamp is when the response was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Control is the control identity.
	Control string `json:"control"`

	// Success indicates whether the read completed.
	Success bool `json:"success"`

	// Value is the decoded value (if successful).
	Value any `json:"value,omitempty"`

	// Error contains error details (if failed).
	Error *AckError `json:"error,omitempty"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published periodically to report bridge status.
// Topic: avrbridge/health/avr
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Timestamp is when the status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Controls is the number of registered controls.
	Controls int `json:"controls"`

	// Statistics contains session counters.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// BridgeStatistics contains operational metrics from the session.
type BridgeStatistics struct {
	// LinesReceived is the total number of reply lines received.
	LinesReceived uint64 `json:"lines_received"`

	// CommandsSent is the total number of commands transmitted.
	CommandsSent uint64 `json:"commands_sent"`

	// UnmatchedLines is the number of lines no pattern claimed.
	UnmatchedLines uint64 `json:"unmatched_lines"`

	// DecodeErrors is the number of replies that failed to decode.
	DecodeErrors uint64 `json:"decode_errors"`
}

// NewLWTMessage creates the Last Will and Testament payload published by
// the broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all bridge messages.
	TopicPrefix = "avrbridge"
)

// CommandTopic returns the MQTT topic for commands to one control.
// Example: avrbridge/command/avr/master_volume
func CommandTopic(control ControlID) string {
	return fmt.Sprintf("%s/command/avr/%s", TopicPrefix, control)
}

// AckTopic returns the MQTT topic for command acknowledgments.
func AckTopic(control ControlID) string {
	return fmt.Sprintf("%s/ack/avr/%s", TopicPrefix, control)
}

// StateTopic returns the MQTT topic for state updates.
func StateTopic(control ControlID) string {
	return fmt.Sprintf("%s/state/avr/%s", TopicPrefix, control)
}

// ReadTopic returns the MQTT topic for read requests.
func ReadTopic(control ControlID) string {
	return fmt.Sprintf("%s/read/avr/%s", TopicPrefix, control)
}

// ResponseTopic returns the MQTT topic for read responses.
func ResponseTopic(control ControlID) string {
	return fmt.Sprintf("%s/response/avr/%s", TopicPrefix, control)
}

// HealthTopic returns the MQTT topic for health status.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/avr", TopicPrefix)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/avr/+", TopicPrefix)
}

// ReadSubscribeTopic returns the subscription pattern for all read requests.
func ReadSubscribeTopic() string {
	return fmt.Sprintf("%s/read/avr/+", TopicPrefix)
}
