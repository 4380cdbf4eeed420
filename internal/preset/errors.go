package preset

import "errors"

// Domain errors for the preset package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, preset.ErrPresetNotFound) {
//	    // handle not found case
//	}
var (
	// ErrPresetNotFound is returned when a preset ID does not exist.
	ErrPresetNotFound = errors.New("preset: not found")

	// ErrPresetExists is returned when creating a preset whose ID or name
	// already exists.
	ErrPresetExists = errors.New("preset: already exists")

	// ErrInvalidPreset is returned when preset validation fails.
	ErrInvalidPreset = errors.New("preset: invalid")

	// ErrNothingCaptured is returned when capturing from a session whose
	// cache holds no values yet.
	ErrNothingCaptured = errors.New("preset: no control values to capture")
)
