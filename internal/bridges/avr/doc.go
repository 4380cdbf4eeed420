// Package avr implements the AVR protocol bridge for the control daemon.
//
// This package speaks the line-oriented ASCII control protocol exposed by
// Denon and Marantz audio/video receivers over a persistent TCP (telnet-style)
// connection, and translates between that protocol and MQTT.
//
// # Architecture
//
// The bridge operates as a translator between two buses:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Automation    │   MQTT   │   AVR Bridge    │   TCP :23
//	│      Core       │◄────────►│   (this pkg)    │◄──────────► Receiver
//	└─────────────────┘          └─────────────────┘
//
// # Protocol model
//
// The receiver exposes independently addressable controls (power, master
// volume, per-channel trims, input source, surround mode, ...). Each control
// is read by sending a status command which provokes one or more reply lines,
// and written by a set command which is never acknowledged synchronously:
// any reply is just another status line, indistinguishable from a push
// notification the device emits when a user presses a button on the remote.
//
// The Session type is the command/response correlation engine: it serializes
// outbound commands one at a time, classifies every inbound line against the
// response registry, maintains a last-known-value cache per control, and
// resolves pending reads from the cache or a freshly issued status command.
// The protocol carries no request identifiers, so any inbound line is taken
// as the signal that the device is ready for the next command. That is a
// protocol limitation, not a shortcut; the wire gives nothing stronger to
// correlate on.
//
// # Controls and codecs
//
// Control metadata is declarative. A Control pairs a status command, a
// response pattern with one capture group, and a set command with a codec
// describing the value encoding:
//
//	ctrl, err := avr.NewControl(avr.ControlSpec{
//	    ID:    "power",
//	    Name:  "PW",
//	    Codec: avr.Codec{Kind: avr.CodecEnum, Table: avr.PowerTokens},
//	})
//
// DefaultCatalog returns the full Marantz/Denon control table.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// A Session owns its value cache, write queue, and waiter registry; sessions
// must not share these with other sessions. Registries are immutable after
// construction and may be shared freely.
package avr
