package governance

import (
	"fmt"
	"strings"

	"github.com/ssd-technologies/agora/internal/glyph"
	"github.com/ssd-technologies/agora/internal/storage"
)

// Type is the kind of vocabulary item a proposal would create.
type Type string

const (
	TypeCompound Type = storage.ProposalCompound
	TypeBase     Type = storage.ProposalBase
)

// ParseType accepts "compound" or "base".
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeCompound:
		return TypeCompound, nil
	case TypeBase:
		return TypeBase, nil
	}
	return "", fmt.Errorf("%w: unknown proposal type %q", ErrInvalidProposal, s)
}

// Payload is the type-specific body of a proposal: either Compound or Base.
type Payload interface {
	Type() Type
	// check normalizes the payload and validates it. known reports whether
	// a glyph ID exists (base or accepted extension).
	check(known func(id string) bool) (Payload, error)
}

// Compound combines existing glyphs, in order, into a new one.
type Compound struct {
	Components []string `json:"components"`
}

func (Compound) Type() Type { return TypeCompound }

func (c Compound) check(known func(string) bool) (Payload, error) {
	out := Compound{Components: make([]string, 0, len(c.Components))}
	for _, id := range c.Components {
		id = glyph.NormalizeID(id)
		if id == "" {
			continue
		}
		out.Components = append(out.Components, id)
	}
	if len(out.Components) < 2 {
		return nil, fmt.Errorf("%w: a compound needs at least two components", ErrInvalidProposal)
	}
	for _, id := range out.Components {
		if !known(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, id)
		}
	}
	return out, nil
}

// Base introduces a new base glyph in one of the fixed domains.
type Base struct {
	Domain   string   `json:"domain"`
	Keywords []string `json:"keywords"`
	Meaning  string   `json:"meaning,omitempty"`
}

func (Base) Type() Type { return TypeBase }

func (b Base) check(func(string) bool) (Payload, error) {
	out := Base{
		Domain:  strings.ToLower(strings.TrimSpace(b.Domain)),
		Meaning: strings.TrimSpace(b.Meaning),
	}
	if !glyph.ValidDomain(out.Domain) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, b.Domain)
	}
	for _, k := range b.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			out.Keywords = append(out.Keywords, k)
		}
	}
	if len(out.Keywords) == 0 {
		return nil, fmt.Errorf("%w: keywords are required", ErrInvalidProposal)
	}
	return out, nil
}
