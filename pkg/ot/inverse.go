package ot

import "errors"

// ErrPreImageRequired is returned by Inverse for a Delete or Replace
// operation whose preImage length differs from op.Length, since undoing
// either requires the content it removed, which the operation itself does
// not carry.
var ErrPreImageRequired = errors.New("ot: inverting a replace requires the pre-image content")

// Inverse returns the operation that undoes op when applied immediately
// after it. Insert inverts to a Delete of the same span; Delete inverts to
// an Insert, using preImage as the recovered content. Replace requires
// preImage for both halves of the undo.
func Inverse(op Operation, preImage []rune) (Operation, error) {
	inv := Operation{
		ID:        op.ID + "-inv",
		PeerID:    op.PeerID,
		Timestamp: op.Timestamp,
		Clock:     op.Clock,
		InverseOf: op.ID,
	}

	switch op.Kind {
	case Insert:
		inv.Kind = Delete
		inv.Position = op.Position
		inv.Length = len(op.Content)
		return inv, nil

	case Delete:
		if len(preImage) != op.Length {
			return Operation{}, ErrPreImageRequired
		}
		inv.Kind = Insert
		inv.Position = op.Position
		inv.Content = preImage
		return inv, nil

	case Replace:
		if len(preImage) != op.Length {
			return Operation{}, ErrPreImageRequired
		}
		inv.Kind = Replace
		inv.Position = op.Position
		inv.Length = len(op.Content)
		inv.Content = preImage
		return inv, nil

	default:
		inv.Kind = op.Kind
		return inv, nil
	}
}
