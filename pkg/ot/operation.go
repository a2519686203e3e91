// Package ot implements operational transformation over flat-offset
// insert/delete/replace operations on a linear character sequence.
package ot

import (
	"errors"
	"fmt"

	"github.com/harborgrid-justin/collabcore/pkg/vclock"
)

// Kind identifies the shape of an Operation.
type Kind int

const (
	Insert Kind = iota
	Delete
	Replace
	Move
	Format
	Custom
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "Insert"
	case Delete:
		return "Delete"
	case Replace:
		return "Replace"
	case Move:
		return "Move"
	case Format:
		return "Format"
	case Custom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// transformable reports whether the core's transform matrix knows how to
// reconcile this kind against another. Move/Format/Custom are host
// extensions and pass through unchanged.
func (k Kind) transformable() bool {
	return k == Insert || k == Delete || k == Replace
}

// Operation is an immutable record of a single edit. Two Operations with the
// same ID are considered the same edit for dedup purposes.
type Operation struct {
	ID        string
	Kind      Kind
	Position  int
	Content   []rune
	Length    int
	PeerID    string
	Timestamp int64 // unix nanoseconds; tiebreak only, never used for ordering causality
	Clock     vclock.Clock
	Metadata  map[string]any

	// InverseOf, when non-empty, marks this Operation as the computed
	// inverse of the operation with that ID (see Inverse).
	InverseOf string
}

var (
	// ErrValidation is the umbrella sentinel every Validate failure wraps,
	// so callers that only care "was this a validation error" can
	// errors.Is(err, ErrValidation) without naming the specific cause.
	ErrValidation = errors.New("ot: operation failed validation")

	ErrMissingID        = errors.New("ot: operation id must not be empty")
	ErrMissingPeer      = errors.New("ot: operation peer id must not be empty")
	ErrMissingTimestamp = errors.New("ot: operation timestamp must not be empty")
	ErrMissingContent   = errors.New("ot: insert/replace operation requires content")
	ErrBadLength        = errors.New("ot: delete/replace operation requires length > 0")
)

// Validate checks the invariants from the data model: id/peer/timestamp are
// non-empty, Insert has content, Delete/Replace have length > 0, and Replace
// additionally has content.
func (op Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrMissingID)
	}
	if op.PeerID == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrMissingPeer)
	}
	if op.Timestamp == 0 {
		return fmt.Errorf("%w: %w", ErrValidation, ErrMissingTimestamp)
	}
	switch op.Kind {
	case Insert:
		if len(op.Content) == 0 {
			return fmt.Errorf("%w: %w: op %s", ErrValidation, ErrMissingContent, op.ID)
		}
	case Delete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: %w: op %s", ErrValidation, ErrBadLength, op.ID)
		}
	case Replace:
		if op.Length <= 0 {
			return fmt.Errorf("%w: %w: op %s", ErrValidation, ErrBadLength, op.ID)
		}
		if len(op.Content) == 0 {
			return fmt.Errorf("%w: %w: op %s", ErrValidation, ErrMissingContent, op.ID)
		}
	}
	return nil
}

// SamePeer reports whether a and b originated from the same peer.
func (op Operation) SamePeer(other Operation) bool {
	return op.PeerID == other.PeerID
}
