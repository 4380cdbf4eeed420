package avr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ControlID is the stable identity of one addressable receiver property.
// Identities are unique within a catalog (e.g. "power", "master_volume").
type ControlID string

// CodecKind selects the value encoding strategy for a control.
// The set is closed: every kind is handled explicitly by Format and Decode.
type CodecKind int

const (
	// CodecRaw passes string values through unmodified.
	CodecRaw CodecKind = iota

	// CodecBoolean maps bool values to the ON/OFF wire vocabulary.
	CodecBoolean

	// CodecNumeric encodes integers as zero-padded decimal strings of a
	// fixed digit width.
	CodecNumeric

	// CodecEnum restricts values to an enumerated table of wire tokens.
	CodecEnum

	// CodecRelativeVolume behaves like CodecNumeric but additionally maps
	// the AdjustUp/AdjustDown sentinels to the UP/DOWN wire tokens.
	CodecRelativeVolume
)

// Relative adjustment sentinels accepted by CodecRelativeVolume controls.
const (
	AdjustUp   = "+"
	AdjustDown = "-"
)

// Wire tokens for boolean and relative-volume encodings.
const (
	tokenOn   = "ON"
	tokenOff  = "OFF"
	tokenUp   = "UP"
	tokenDown = "DOWN"
)

// EnumTable is an immutable set of wire tokens valid for an enumerated
// control. Tokens absent from the table fail both Format and Decode.
type EnumTable struct {
	name    string
	members map[string]struct{}
}

// NewEnumTable builds a table from the given wire tokens.
// The name appears in error messages only.
func NewEnumTable(name string, tokens ...string) *EnumTable {
	members := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		members[t] = struct{}{}
	}
	return &EnumTable{name: name, members: members}
}

// Contains reports whether token is a member of the table.
func (t *EnumTable) Contains(token string) bool {
	_, ok := t.members[token]
	return ok
}

// Name returns the table's diagnostic name.
func (t *EnumTable) Name() string { return t.name }

// Len returns the number of tokens in the table.
func (t *EnumTable) Len() int { return len(t.members) }

// Codec describes how a control's values are rendered onto the wire and
// parsed back out of reply captures. It is a tagged variant: Digits applies
// to CodecNumeric and CodecRelativeVolume, Table to CodecEnum.
type Codec struct {
	Kind   CodecKind
	Digits int
	Table  *EnumTable
}

// Format renders a caller-supplied value as outbound command text.
//
// Accepted value types per kind:
//   - CodecRaw: string
//   - CodecBoolean: bool
//   - CodecNumeric: int in [0, 10^Digits)
//   - CodecEnum: string present in the table
//   - CodecRelativeVolume: AdjustUp/AdjustDown, or int as CodecNumeric
//
// Anything else fails with ErrInvalidValue (or ErrValueOutOfRange for
// numeric range violations). No I/O is performed.
func (c Codec) Format(value any) (string, error) {
	switch c.Kind {
	case CodecRaw:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%w: want string, got %T", ErrInvalidValue, value)
		}
		return s, nil

	case CodecBoolean:
		b, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("%w: want bool, got %T", ErrInvalidValue, value)
		}
		if b {
			return tokenOn, nil
		}
		return tokenOff, nil

	case CodecNumeric:
		return c.formatNumeric(value)

	case CodecEnum:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%w: want string, got %T", ErrInvalidValue, value)
		}
		if !c.Table.Contains(s) {
			return "", fmt.Errorf("%w: %q is not a member of %s", ErrInvalidValue, s, c.Table.Name())
		}
		return s, nil

	case CodecRelativeVolume:
		if s, ok := value.(string); ok {
			switch s {
			case AdjustUp:
				return tokenUp, nil
			case AdjustDown:
				return tokenDown, nil
			default:
				return "", fmt.Errorf("%w: want %q, %q or int, got %q", ErrInvalidValue, AdjustUp, AdjustDown, s)
			}
		}
		return c.formatNumeric(value)

	default:
		return "", fmt.Errorf("%w: unknown codec kind %d", ErrInvalidValue, c.Kind)
	}
}

// formatNumeric zero-pads an integer to the codec's digit width after
// rejecting values outside [0, 10^Digits).
func (c Codec) formatNumeric(value any) (string, error) {
	n, ok := value.(int)
	if !ok {
		return "", fmt.Errorf("%w: want int, got %T", ErrInvalidValue, value)
	}
	limit := 1
	for i := 0; i < c.Digits; i++ {
		limit *= 10
	}
	if n < 0 || n >= limit {
		return "", fmt.Errorf("%w: %d does not fit %d digit(s)", ErrValueOutOfRange, n, c.Digits)
	}
	return fmt.Sprintf("%0*d", c.Digits, n), nil
}

// Decode parses the raw capture from a matched reply line.
//
// Returned value types mirror Format's accepted types: string for CodecRaw
// and CodecEnum, bool for CodecBoolean, int for CodecNumeric and
// CodecRelativeVolume. Failures wrap ErrDecodeFailed; the caller treats
// them as local, non-fatal events.
func (c Codec) Decode(raw string) (any, error) {
	switch c.Kind {
	case CodecRaw:
		return raw, nil

	case CodecBoolean:
		switch raw {
		case tokenOn:
			return true, nil
		case tokenOff:
			return false, nil
		default:
			return nil, fmt.Errorf("%w: %q is not %s/%s", ErrDecodeFailed, raw, tokenOn, tokenOff)
		}

	case CodecNumeric, CodecRelativeVolume:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not numeric", ErrDecodeFailed, raw)
		}
		return n, nil

	case CodecEnum:
		if !c.Table.Contains(raw) {
			return nil, fmt.Errorf("%w: %q is not a member of %s", ErrDecodeFailed, raw, c.Table.Name())
		}
		return raw, nil

	default:
		return nil, fmt.Errorf("%w: unknown codec kind %d", ErrDecodeFailed, c.Kind)
	}
}

// captureGroup returns the regexp fragment capturing the value substring.
// Numeric kinds capture optional whitespace followed by digits so that a
// pattern like "MV" does not also claim "MVMAX 72" report lines.
func (c Codec) captureGroup() string {
	switch c.Kind {
	case CodecNumeric, CodecRelativeVolume:
		return `(\s*\d+)`
	default:
		return `(.*)`
	}
}

// Control is the immutable metadata for one addressable receiver property.
// Build instances with NewControl; the zero value is not usable.
type Control struct {
	// ID is the control's stable identity.
	ID ControlID

	// StatusCommand is sent to request the control's current value. Several
	// controls may share one bulk query (e.g. "CV?") and each claim their
	// own reply line.
	StatusCommand string

	// SetCommand is the outbound text prefix; a write transmits
	// SetCommand + Codec.Format(value).
	SetCommand string

	// Pattern matches reply lines for this control. It is anchored to the
	// whole line and capture group 1 holds exactly the raw value text.
	Pattern *regexp.Regexp

	// Codec is the value encoding strategy.
	Codec Codec
}

// ControlSpec declares a control for NewControl. Name is the wire prefix
// (e.g. "PW"); the optional fields default to the conventions the protocol
// follows almost everywhere:
//
//	StatusCommand  = Name + "?"
//	ResponsePrefix = Name
//	SetCommand     = Name
type ControlSpec struct {
	ID             ControlID
	Name           string
	StatusCommand  string
	ResponsePrefix string
	SetCommand     string
	Codec          Codec
}

// NewControl builds a Control from a spec, applying defaults and compiling
// the anchored response pattern.
func NewControl(spec ControlSpec) (Control, error) {
	if spec.ID == "" {
		return Control{}, fmt.Errorf("%w: empty identity", ErrInvalidValue)
	}
	if spec.Name == "" {
		return Control{}, fmt.Errorf("%w: control %q has no wire name", ErrInvalidValue, spec.ID)
	}
	if spec.Codec.Kind == CodecEnum && spec.Codec.Table == nil {
		return Control{}, fmt.Errorf("%w: control %q has enum codec without table", ErrInvalidValue, spec.ID)
	}

	status := spec.StatusCommand
	if status == "" {
		status = spec.Name + "?"
	}
	prefix := spec.ResponsePrefix
	if prefix == "" {
		prefix = spec.Name
	}
	set := spec.SetCommand
	if set == "" {
		set = spec.Name
	}

	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(prefix) + spec.Codec.captureGroup() + "$")
	if err != nil {
		return Control{}, fmt.Errorf("compiling response pattern for %q: %w", spec.ID, err)
	}

	return Control{
		ID:            spec.ID,
		StatusCommand: status,
		SetCommand:    set,
		Pattern:       pattern,
		Codec:         spec.Codec,
	}, nil
}
