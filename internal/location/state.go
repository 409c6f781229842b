// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package location

import (
	"time"

	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/vartype"
)

// Phase is the lifecycle phase of a Reconciler.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseChecking
	PhaseReady
	PhaseUnavailable
)

func (p Phase) String() string {
	switch p {
	case PhaseChecking:
		return "checking"
	case PhaseReady:
		return "ready"
	case PhaseUnavailable:
		return "unavailable"
	default:
		return "uninitialized"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a snapshot of the location state. Unavailable is not an error, it only means that
// there is no position yet.
type State struct {
	Phase         Phase                          `json:"phase"`
	Position      vartype.Variable[geo.Position] `json:"position"`
	Provenance    geo.Provenance                 `json:"provenance"`
	HasPermission bool                           `json:"has_permission"`
	Loading       bool                           `json:"loading"`
	Tracking      bool                           `json:"tracking"`
	Err           *geo.Error                     `json:"error,omitempty"`
	UpdatedAt     time.Time                      `json:"updated_at,omitzero"`
}

// Manual reports whether the current position was explicitly chosen by the user.
func (s State) Manual() bool {
	return s.Provenance == geo.ProvenanceManual
}

// CurrentPosition returns a copy of the current position, or nil if none is set.
func (s State) CurrentPosition() *geo.Position {
	pos, ok := s.Position.Get()
	if !ok {
		return nil
	}
	return &pos
}
