package ot

// primKind is the shape of a decomposed primitive edit: every Operation the
// transform matrix understands reduces to zero, one, or two of these.
type primKind int

const (
	primInsert primKind = iota
	primDelete
)

// primitive is one atomic edit carried through the transform matrix. Replace
// decomposes into a delete primitive followed by an insert primitive at the
// same position, per §4.2: "Replace is modeled as Delete followed by Insert
// at the same position."
type primitive struct {
	kind    primKind
	pos     int
	length  int
	content []rune
	peerID  string
}

func decompose(op Operation) []primitive {
	switch op.Kind {
	case Insert:
		return []primitive{{kind: primInsert, pos: op.Position, content: op.Content, peerID: op.PeerID}}
	case Delete:
		return []primitive{{kind: primDelete, pos: op.Position, length: op.Length, peerID: op.PeerID}}
	case Replace:
		return []primitive{
			{kind: primDelete, pos: op.Position, length: op.Length, peerID: op.PeerID},
			{kind: primInsert, pos: op.Position, content: op.Content, peerID: op.PeerID},
		}
	default:
		return nil
	}
}

func recompose(kind Kind, prims []primitive, template Operation) Operation {
	result := template
	switch kind {
	case Insert:
		result.Position = prims[0].pos
		result.Content = prims[0].content
	case Delete:
		result.Position = prims[0].pos
		result.Length = prims[0].length
	case Replace:
		del, ins := prims[0], prims[1]
		result.Position = del.pos
		result.Length = del.length
		result.Content = ins.content
	}
	return result
}

// Transform reconciles two concurrent operations issued against the same
// base state, returning (a', b') such that apply(apply(s,a), b') ==
// apply(apply(s,b), a') for every starting string s on which both
// operations' positions and ranges lie within bounds (TP1); Apply clamps
// out-of-range positions, and TP1 does not hold for such strings. Operations from
// the same peer, and kinds the core does not understand (Move/Format/
// Custom), pass through unchanged.
func Transform(a, b Operation) (Operation, Operation) {
	if a.SamePeer(b) {
		return a, b
	}
	if !a.Kind.transformable() || !b.Kind.transformable() {
		return a, b
	}

	aPrims := decompose(a)
	bPrims := decompose(b)

	transformedA := transformAgainst(aPrims, bPrims)
	transformedB := transformAgainst(bPrims, aPrims)

	return recompose(a.Kind, transformedA, a), recompose(b.Kind, transformedB, b)
}

// transformAgainst transforms every primitive in ps against every primitive
// in qs, in order, folding the position/length adjustments.
func transformAgainst(ps, qs []primitive) []primitive {
	out := make([]primitive, len(ps))
	copy(out, ps)
	for i, p := range out {
		for _, q := range qs {
			p = transformPrimitive(p, q)
		}
		out[i] = p
	}
	return out
}

func transformPrimitive(p, q primitive) primitive {
	switch {
	case p.kind == primInsert && q.kind == primInsert:
		return transformInsertInsert(p, q)
	case p.kind == primInsert && q.kind == primDelete:
		return transformInsertDelete(p, q)
	case p.kind == primDelete && q.kind == primInsert:
		return transformDeleteInsert(p, q)
	default: // delete vs delete
		return transformDeleteDelete(p, q)
	}
}

// transformInsertInsert: if positions differ, the later one shifts right by
// the earlier's content length. On a tie, the peer with the lexicographically
// smaller id keeps its position; the other shifts right. The tie-break is
// total and symmetric: exactly one of the two pair calls shifts.
func transformInsertInsert(p, q primitive) primitive {
	switch {
	case q.pos < p.pos:
		p.pos += len(q.content)
	case q.pos > p.pos:
		// q is after p, no change
	default: // equal position
		if p.peerID > q.peerID {
			p.pos += len(q.content)
		}
	}
	return p
}

// transformInsertDelete transforms an insert p against a delete q covering
// [q.pos, q.pos+q.length).
func transformInsertDelete(p, q primitive) primitive {
	qEnd := q.pos + q.length
	switch {
	case p.pos <= q.pos:
		// insert is before (or at) the delete range start: unaffected
	case p.pos >= qEnd:
		// insert is entirely after the delete range: shift left
		p.pos -= q.length
	default:
		// insert falls inside the delete range: delete-swallows-insert.
		// The dual transformDeleteInsert call grows the delete to cover
		// the inserted content, so the insert itself collapses to a
		// no-op — its content never becomes visible to a peer that has
		// already applied the (now-enlarged) delete.
		p.pos = q.pos
		p.content = nil
	}
	return p
}

// transformDeleteInsert transforms a delete p against an insert q.
func transformDeleteInsert(p, q primitive) primitive {
	pEnd := p.pos + p.length
	switch {
	case q.pos <= p.pos:
		p.pos += len(q.content)
	case q.pos < pEnd:
		// insert falls inside the delete range: delete grows to swallow it
		p.length += len(q.content)
	}
	return p
}

// transformDeleteDelete handles both the disjoint and overlapping cases from
// §4.2. Lengths never go negative; a zero-length delete is a no-op on apply.
func transformDeleteDelete(p, q primitive) primitive {
	pEnd := p.pos + p.length
	qEnd := q.pos + q.length

	if qEnd <= p.pos {
		// q entirely before p: shift left by q's length
		p.pos -= q.length
		return p
	}
	if pEnd <= q.pos {
		// q entirely after p: unaffected
		return p
	}

	overlapStart := max(p.pos, q.pos)
	overlapEnd := min(pEnd, qEnd)
	overlap := overlapEnd - overlapStart
	if overlap < 0 {
		overlap = 0
	}

	p.length -= overlap
	if p.length < 0 {
		p.length = 0
	}
	if q.pos < p.pos {
		p.pos = q.pos
	}
	return p
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
