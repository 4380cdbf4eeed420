package avr

import (
	"fmt"
	"sort"
)

// Match is one registry entry claimed by an inbound line: the control whose
// pattern matched, and the raw value text from capture group 1.
type Match struct {
	Control *Control
	Raw     string
}

// Registry is the immutable mapping from response patterns to controls.
// It is built once from a catalog and may be shared across sessions.
//
// A single inbound line is tested against every entry; every entry whose
// pattern matches is processed, so several controls can share a bulk query
// and each claim their own reply line. Registration order does not affect
// correctness.
type Registry struct {
	byID    map[ControlID]*Control
	ordered []*Control
}

// NewRegistry builds a registry from a catalog of controls.
// Duplicate identities are a configuration error.
func NewRegistry(controls []Control) (*Registry, error) {
	r := &Registry{
		byID:    make(map[ControlID]*Control, len(controls)),
		ordered: make([]*Control, 0, len(controls)),
	}
	for i := range controls {
		ctrl := controls[i]
		if _, exists := r.byID[ctrl.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateControl, ctrl.ID)
		}
		r.byID[ctrl.ID] = &ctrl
		r.ordered = append(r.ordered, &ctrl)
	}
	return r, nil
}

// Control returns the control registered under id.
func (r *Registry) Control(id ControlID) (*Control, bool) {
	ctrl, ok := r.byID[id]
	return ctrl, ok
}

// Match tests line against every registered pattern and returns one Match
// per control whose pattern claimed it. An empty result is not an error;
// the protocol emits report lines no control subscribes to.
func (r *Registry) Match(line string) []Match {
	var matches []Match
	for _, ctrl := range r.ordered {
		if m := ctrl.Pattern.FindStringSubmatch(line); m != nil {
			matches = append(matches, Match{Control: ctrl, Raw: m[1]})
		}
	}
	return matches
}

// IDs returns all registered control identities in sorted order.
func (r *Registry) IDs() []ControlID {
	ids := make([]ControlID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered controls.
func (r *Registry) Len() int { return len(r.ordered) }
