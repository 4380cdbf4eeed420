package preset

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/nerrad567/avr-bridge/internal/bridges/avr"
)

// ControlSession is the subset of the receiver session the service needs.
// Satisfied by *avr.Session.
type ControlSession interface {
	// Write queues a set command for a control.
	Write(id avr.ControlID, value any) error

	// Cached returns a control's cached value without I/O.
	Cached(id avr.ControlID) (any, bool)

	// Registry returns the control catalog.
	Registry() *avr.Registry
}

// Service captures presets from and applies presets to a live receiver
// session, persisting them through a Repository.
type Service struct {
	repo    Repository
	session ControlSession
}

// NewService creates a preset service.
func NewService(repo Repository, session ControlSession) *Service {
	return &Service{repo: repo, session: session}
}

// Capture snapshots every cached control value into a new stored preset.
// Only controls the session has actually observed are captured; call it
// after the startup read sweep for a full snapshot.
func (s *Service) Capture(ctx context.Context, name, description string) (*Preset, error) {
	controls := make(map[string]any)
	for _, id := range s.session.Registry().IDs() {
		if v, ok := s.session.Cached(id); ok {
			controls[string(id)] = v
		}
	}
	if len(controls) == 0 {
		return nil, ErrNothingCaptured
	}

	p := &Preset{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Controls:    controls,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply writes every control value of the stored preset to the receiver.
// Values are validated against the catalog before anything is transmitted,
// so a preset referencing an unknown control or carrying a bad value fails
// whole rather than half-applied.
//
// Writes are queued in control-identity order for deterministic behavior.
func (s *Service) Apply(ctx context.Context, id string) (*Preset, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	reg := s.session.Registry()

	ids := make([]string, 0, len(p.Controls))
	for cid := range p.Controls {
		ids = append(ids, cid)
	}
	sort.Strings(ids)

	// Validation pass before any write reaches the queue.
	values := make(map[string]any, len(ids))
	for _, cid := range ids {
		ctrl, ok := reg.Control(avr.ControlID(cid))
		if !ok {
			return nil, fmt.Errorf("%w: unknown control %q", ErrInvalidPreset, cid)
		}
		value := coerceStored(ctrl.Codec, p.Controls[cid])
		if _, err := ctrl.Codec.Format(value); err != nil {
			return nil, fmt.Errorf("%w: control %q: %w", ErrInvalidPreset, cid, err)
		}
		values[cid] = value
	}

	for _, cid := range ids {
		if err := s.session.Write(avr.ControlID(cid), values[cid]); err != nil {
			return nil, fmt.Errorf("applying %q: %w", cid, err)
		}
	}

	return p, nil
}

// coerceStored adapts JSON-decoded stored values to codec types. Numbers
// round-trip through SQLite JSON as float64; integral floats become int for
// numeric codecs.
func coerceStored(codec avr.Codec, value any) any {
	switch codec.Kind {
	case avr.CodecNumeric, avr.CodecRelativeVolume:
		if f, ok := value.(float64); ok && f == math.Trunc(f) {
			return int(f)
		}
	}
	return value
}
