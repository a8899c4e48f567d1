package musync

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Prerequisite is a condition on the set of installed update IDs.
//
// The two concrete forms are [Simple] and [AtLeastOne]. Edges in the
// prerequisite graph run prerequisite → dependent.
type Prerequisite interface {
	// Satisfied reports whether the prerequisite holds for the given
	// installed set.
	Satisfied(installed map[uuid.UUID]struct{}) bool
}

// Simple requires a single update ID to be installed.
type Simple struct {
	UpdateID uuid.UUID `json:"update_id"`
}

// Satisfied implements Prerequisite.
func (s Simple) Satisfied(installed map[uuid.UUID]struct{}) bool {
	_, ok := installed[s.UpdateID]
	return ok
}

// AtLeastOne requires any one of its members to be installed.
//
// The IsCategory flag marks groups that carry category membership rather
// than a real applicability condition.
type AtLeastOne struct {
	Simple     []Simple `json:"simple"`
	IsCategory bool     `json:"is_category,omitempty"`
}

// Satisfied implements Prerequisite.
func (a AtLeastOne) Satisfied(installed map[uuid.UUID]struct{}) bool {
	for _, s := range a.Simple {
		if s.Satisfied(installed) {
			return true
		}
	}
	return false
}

// Prerequisites is a list of prerequisites with a discriminated JSON
// encoding. The loader selects the concrete variant by the "kind" tag.
type Prerequisites []Prerequisite

// Tags used in the JSON envelope.
const (
	kindSimple     = `simple`
	kindAtLeastOne = `at_least_one`
)

type prereqEnvelope struct {
	Kind       string    `json:"kind"`
	UpdateID   uuid.UUID `json:"update_id,omitempty"`
	Simple     []Simple  `json:"simple,omitempty"`
	IsCategory bool      `json:"is_category,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p Prerequisites) MarshalJSON() ([]byte, error) {
	es := make([]prereqEnvelope, len(p))
	for i, pr := range p {
		switch v := pr.(type) {
		case Simple:
			es[i] = prereqEnvelope{Kind: kindSimple, UpdateID: v.UpdateID}
		case AtLeastOne:
			es[i] = prereqEnvelope{Kind: kindAtLeastOne, Simple: v.Simple, IsCategory: v.IsCategory}
		default:
			return nil, fmt.Errorf("unknown prerequisite type %T", pr)
		}
	}
	return json.Marshal(es)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Prerequisites) UnmarshalJSON(b []byte) error {
	var es []prereqEnvelope
	if err := json.Unmarshal(b, &es); err != nil {
		return err
	}
	out := make(Prerequisites, len(es))
	for i, e := range es {
		switch e.Kind {
		case kindSimple:
			out[i] = Simple{UpdateID: e.UpdateID}
		case kindAtLeastOne:
			out[i] = AtLeastOne{Simple: e.Simple, IsCategory: e.IsCategory}
		default:
			return fmt.Errorf("unknown prerequisite kind %q", e.Kind)
		}
	}
	*p = out
	return nil
}
