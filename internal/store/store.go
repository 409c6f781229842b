// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package store defines the remote persistence contract for saved positions and the seller
// position history.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wneessen/vendorloc/internal/geo"
)

var (
	// ErrRejected is returned when the backend answered but did not accept a write.
	ErrRejected = errors.New("backend rejected the write")
	// ErrEmptyUser is returned when an operation is called without a user or seller ID.
	ErrEmptyUser = errors.New("user id must not be empty")
)

// Role is the marketplace side a user acts on. Saved positions are kept per user and role.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// ParseRole parses a Role from its string representation.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, nil
	case RoleSeller:
		return RoleSeller, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Record is the last saved position of a user in a role. It is overwritten on every sync.
type Record struct {
	Position   geo.Position   `json:"position"`
	Provenance geo.Provenance `json:"provenance"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// HistoryEntry is an append-only seller position log entry.
type HistoryEntry struct {
	ID        string       `json:"id"`
	SellerID  string       `json:"seller_id"`
	Position  geo.Position `json:"position"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewHistoryEntry returns a HistoryEntry with a fresh ID.
func NewHistoryEntry(sellerID string, pos geo.Position, at time.Time) HistoryEntry {
	return HistoryEntry{
		ID:        uuid.NewString(),
		SellerID:  sellerID,
		Position:  pos,
		Timestamp: at.UTC(),
	}
}

// Backend is a remote persistence backend.
type Backend interface {
	Name() string
	// ReadLastPosition returns the saved record, or nil and no error if none exists.
	ReadLastPosition(ctx context.Context, userID string, role Role) (*Record, error)
	// WritePosition creates or overwrites the saved record.
	WritePosition(ctx context.Context, userID string, role Role, record Record) error
	// AppendHistory appends a seller position history entry.
	AppendHistory(ctx context.Context, entry HistoryEntry) error
}

// ValidateKey checks the common preconditions of a user/role keyed operation.
func ValidateKey(userID string, role Role) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUser
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	return nil
}
