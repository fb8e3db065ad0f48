// Package cardid resolves card identifiers to their logical identity.
//
// A card can be rendered on two surfaces: inline in the conversation and in a
// side panel. Both representations share a base id; the panel id carries a
// namespace marker on the wire.
package cardid

import "strings"

// PanelPrefix marks the panel namespace in the string form of an id.
const PanelPrefix = "panel-"

type Namespace uint8

const (
	Inline Namespace = iota
	Panel
)

func (n Namespace) String() string {
	if n == Panel {
		return "panel"
	}
	return "inline"
}

// ID is a namespaced card identifier. The zero value is an empty inline id.
type ID struct {
	ns   Namespace
	base string
}

func InlineID(base string) ID { return ID{ns: Inline, base: base} }

func PanelID(base string) ID { return ID{ns: Panel, base: base} }

// Parse reads the string form of an id. Only one marker is stripped; a base
// that still starts with the prefix is not a valid base (see ValidBase).
func Parse(s string) ID {
	if base, ok := strings.CutPrefix(s, PanelPrefix); ok {
		return ID{ns: Panel, base: base}
	}
	return ID{ns: Inline, base: s}
}

func (id ID) Base() string { return id.base }

func (id ID) Namespace() Namespace { return id.ns }

func (id ID) IsPanel() bool { return id.ns == Panel }

func (id ID) IsZero() bool { return id.base == "" }

// Valid reports whether the id has a usable base.
func (id ID) Valid() bool { return ValidBase(id.base) }

// Twin returns the id of the same card on the other surface.
func (id ID) Twin() ID {
	if id.ns == Panel {
		return InlineID(id.base)
	}
	return PanelID(id.base)
}

func (id ID) String() string {
	if id.ns == Panel {
		return PanelPrefix + id.base
	}
	return id.base
}

// MarshalText keeps the wire form stable when ids are JSON encoded.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	*id = Parse(string(b))
	return nil
}

// BaseID strips the panel marker if present.
func BaseID(s string) string {
	return Parse(s).Base()
}

// IsTwin reports whether a and b name the same logical card.
func IsTwin(a, b string) bool {
	return BaseID(a) == BaseID(b)
}

// ValidBase reports whether base can name a card. A base must be non-empty and
// must not start with the panel marker, otherwise its inline string form would
// read back as a panel id.
func ValidBase(base string) bool {
	return base != "" && !strings.HasPrefix(base, PanelPrefix)
}
