package preset

import (
	"fmt"
	"time"
)

// maxNameLength bounds preset names for storage and UI purposes.
const maxNameLength = 64

// Preset is a named snapshot of receiver control values.
type Preset struct {
	// ID is the preset's unique identifier (UUID).
	ID string `json:"id"`

	// Name is the human-readable preset name, unique per installation.
	Name string `json:"name"`

	// Description is optional free text.
	Description string `json:"description,omitempty"`

	// Controls maps control identities to the values applied when the
	// preset is activated. Values are typed per the control's codec:
	// string, bool, or number.
	Controls map[string]any `json:"controls"`

	// CreatedAt is when the preset was created (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the preset was last modified (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the preset's structural invariants.
func (p *Preset) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidPreset)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPreset)
	}
	if len(p.Name) > maxNameLength {
		return fmt.Errorf("%w: name longer than %d characters", ErrInvalidPreset, maxNameLength)
	}
	if len(p.Controls) == 0 {
		return fmt.Errorf("%w: no control values", ErrInvalidPreset)
	}
	return nil
}
