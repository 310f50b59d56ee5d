// Package domain holds the identifiers and primitives shared by every
// component in the core (spec §3): opaque 128-bit IDs and the UserId
// principal handle.
package domain

import (
	"github.com/google/uuid"
)

// ID is an opaque 128-bit identifier backing every entity in the data model.
type ID = uuid.UUID

// NewID generates a fresh random ID.
func NewID() ID { return uuid.New() }

// ParseID parses a textual ID, returning the zero ID on failure.
func ParseID(s string) (ID, error) { return uuid.Parse(s) }

// ZeroID is the unset ID value.
var ZeroID ID

// UserID is the opaque principal handle (spec §3: "never mutated; never
// deleted, soft-only").
type UserID = ID
