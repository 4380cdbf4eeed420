// Package preset provides named snapshots of receiver control values.
//
// A preset captures a set of control values ("movie night": input BD,
// volume 45, surround MOVIE) that can be stored, listed, and applied back
// to the receiver in one operation.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────┐
//	│                        Preset Store                        │
//	│                                                            │
//	│  ┌──────────────────┐           ┌──────────────────┐       │
//	│  │     Service      │           │    Repository    │       │
//	│  │   (service.go)   │──────────▶│ (repository.go)  │       │
//	│  │                  │           │                  │       │
//	│  │ • Capture/Apply  │           │ • SQLite queries │       │
//	│  │ • Validation     │           │ • JSON marshal   │       │
//	│  └──────────────────┘           └──────────────────┘       │
//	│           │                              │                 │
//	└───────────│──────────────────────────────│─────────────────┘
//	            ▼                              ▼
//	┌──────────────────────┐       ┌──────────────────────┐
//	│   Receiver Session   │       │   SQLite Database    │
//	│  • Write on apply    │       │   (presets table)    │
//	│  • Cache on capture  │       └──────────────────────┘
//	└──────────────────────┘
//
// # Key Types
//
//   - Preset: A named map of control identities to values
//   - Repository: Persistence interface with a SQLite implementation
//   - Service: Capture from and apply to a live receiver session
//   - Handler: MQTT surface on avrbridge/preset/{capture|apply|list|delete}
//
// Applying is fire-and-forget like any other receiver write: values reach
// the wire in order, and retained MQTT state converges as the device
// reports each change back.
package preset
