package avr

import "errors"

// Domain errors for the AVR bridge package.
var (
	// ErrConnectionFailed is returned when the connection to the receiver
	// cannot be established.
	ErrConnectionFailed = errors.New("avr: connection to receiver failed")

	// ErrNotOpen is returned when an operation requires an open session
	// but Open has not been called (or the stream is gone).
	ErrNotOpen = errors.New("avr: session not open")

	// ErrDisconnected is returned to pending readers when the session is
	// closed or the connection is lost before a value arrives.
	ErrDisconnected = errors.New("avr: session disconnected")

	// ErrUnknownControl is returned when a control identity is not present
	// in the response registry.
	ErrUnknownControl = errors.New("avr: unknown control")

	// ErrValueOutOfRange is returned when a numeric value does not fit the
	// control's digit width.
	ErrValueOutOfRange = errors.New("avr: numeric value out of range")

	// ErrInvalidValue is returned when a value has the wrong type for the
	// control's codec, or an enumerated token is not in the table.
	ErrInvalidValue = errors.New("avr: invalid value for control")

	// ErrDecodeFailed is returned when a reply capture does not parse under
	// the matched control's codec.
	ErrDecodeFailed = errors.New("avr: response decode failed")

	// ErrNotASCII is returned when an outbound command contains bytes
	// outside the ASCII range. The wire protocol is ASCII only.
	ErrNotASCII = errors.New("avr: command is not ASCII")

	// ErrDuplicateControl is returned when a registry is built from a
	// catalog containing two controls with the same identity.
	ErrDuplicateControl = errors.New("avr: duplicate control identity")
)
