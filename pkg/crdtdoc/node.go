// Package crdtdoc implements the document CRDT: a tombstoned doubly linked
// list of per-character nodes combined with an OT transform-against-history
// path for reconciling remote operations.
package crdtdoc

import "github.com/harborgrid-justin/collabcore/pkg/vclock"

// sentinel ids anchor the head and tail of the list. They do live in the
// node map like any other node, but are excluded from visibleString and
// every traversal that produces visible document content.
const (
	headSentinel = "\x00head"
	tailSentinel = "\x00tail"
)

// CRDTNode is one node per inserted character.
type CRDTNode struct {
	ID         string
	OriginPeer string
	Value      rune
	CreatedAt  int64
	Clock      vclock.Clock
	Tombstone  bool
	Prev       string
	Next       string
}
