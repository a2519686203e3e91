package crdtdoc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborgrid-justin/collabcore/pkg/ot"
	"github.com/harborgrid-justin/collabcore/pkg/vclock"
)

// ErrEmptyPeerID is returned when a document operation is issued without a
// peer id and the document was not configured with a default one.
var ErrEmptyPeerID = errors.New("crdtdoc: peer id must not be empty")

const defaultMaxHistorySize = 1000

// CRDTDocument owns the node map, the live list's head/tail, the document's
// vector clock, and a bounded operation-history ring used to transform
// incoming remote operations against everything already applied locally.
//
// Access is serialized by an internal mutex. The core's concurrency model
// expects a document to be owned by a single logical executor (an event
// loop, a dedicated goroutine, or a mutex-serialized region); the mutex here
// makes that safe even when a host calls in from multiple goroutines.
type CRDTDocument struct {
	mu sync.Mutex

	localPeer      string
	nodes          map[string]*CRDTNode
	clock          vclock.Clock
	history        []ot.Operation
	maxHistorySize int
}

// New creates an empty document owned by localPeer.
func New(localPeer string) *CRDTDocument {
	d := &CRDTDocument{
		localPeer:      localPeer,
		nodes:          make(map[string]*CRDTNode),
		clock:          vclock.New(),
		maxHistorySize: defaultMaxHistorySize,
	}
	d.nodes[headSentinel] = &CRDTNode{ID: headSentinel, Next: tailSentinel}
	d.nodes[tailSentinel] = &CRDTNode{ID: tailSentinel, Prev: headSentinel}
	return d
}

// SetMaxHistorySize overrides the history ring bound (default 1000).
func (d *CRDTDocument) SetMaxHistorySize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxHistorySize = n
	d.truncateHistory()
}

// Insert creates one node per rune in content, splices them into the list at
// the position reached by walking past offset live nodes, stamps the local
// clock, records the operation in history, and returns it.
func (d *CRDTDocument) Insert(content string, offset int, peer string) (ot.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if peer == "" {
		peer = d.localPeer
	}
	if peer == "" {
		return ot.Operation{}, ErrEmptyPeerID
	}

	d.clock = d.clock.Increment(peer)

	op := ot.Operation{
		ID:        uuid.NewString(),
		Kind:      ot.Insert,
		Position:  offset,
		Content:   []rune(content),
		PeerID:    peer,
		Timestamp: time.Now().UnixNano(),
		Clock:     d.clock.Clone(),
	}
	if err := op.Validate(); err != nil {
		return ot.Operation{}, err
	}

	d.insertNodes(op)
	d.recordHistory(op)
	return op, nil
}

// Delete tombstones length live nodes starting at offset, stamps the local
// clock, records the operation in history, and returns it.
func (d *CRDTDocument) Delete(offset, length int, peer string) (ot.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if peer == "" {
		peer = d.localPeer
	}
	if peer == "" {
		return ot.Operation{}, ErrEmptyPeerID
	}

	d.clock = d.clock.Increment(peer)

	op := ot.Operation{
		ID:        uuid.NewString(),
		Kind:      ot.Delete,
		Position:  offset,
		Length:    length,
		PeerID:    peer,
		Timestamp: time.Now().UnixNano(),
		Clock:     d.clock.Clone(),
	}
	if err := op.Validate(); err != nil {
		return ot.Operation{}, err
	}

	d.tombstoneNodes(op)
	d.recordHistory(op)
	return op, nil
}

// ApplyRemoteOperation merges the incoming clock, transforms op against
// every history entry whose clock is concurrent with it, applies the
// transformed result, and records it in history. Operations already
// reflected by the document clock (dominated) are dropped — this is what
// makes delivery idempotent.
func (d *CRDTDocument) ApplyRemoteOperation(op ot.Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := op.Validate(); err != nil {
		return err
	}
	if d.clock.Dominates(op.Clock) {
		return nil // already applied
	}

	transformed := op
	for _, h := range d.history {
		if transformed.Clock.IsConcurrent(h.Clock) {
			transformed, _ = ot.Transform(transformed, h)
		}
	}

	d.clock = d.clock.Merge(op.Clock)
	d.applyOperation(transformed)
	d.recordHistory(transformed)
	return nil
}

// Merge applies every operation from other's history that this document's
// clock does not already dominate.
func (d *CRDTDocument) Merge(other *CRDTDocument) error {
	other.mu.Lock()
	ops := make([]ot.Operation, len(other.history))
	copy(ops, other.history)
	other.mu.Unlock()

	for _, op := range ops {
		d.mu.Lock()
		dominated := d.clock.Dominates(op.Clock)
		d.mu.Unlock()
		if dominated {
			continue
		}
		if err := d.ApplyRemoteOperation(op); err != nil {
			return fmt.Errorf("crdtdoc: merge op %s: %w", op.ID, err)
		}
	}
	return nil
}

// ToString walks live nodes in list order and returns the visible content.
func (d *CRDTDocument) ToString() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleString()
}

// GetState returns the current content, a checksum over it, and a clock
// snapshot. Checkpoints are transmitted over the wire, never persisted by
// the core itself.
func (d *CRDTDocument) GetState() DocumentState {
	d.mu.Lock()
	defer d.mu.Unlock()

	content := d.visibleString()
	return DocumentState{
		Content:   content,
		Checksum:  checksum(content),
		Clock:     d.clock.Clone(),
		UpdatedAt: time.Now().UnixNano(),
	}
}

// History returns a copy of the recorded operation ring, oldest first.
func (d *CRDTDocument) History() []ot.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ot.Operation, len(d.history))
	copy(out, d.history)
	return out
}

// Clock returns a snapshot of the document's vector clock.
func (d *CRDTDocument) Clock() vclock.Clock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Clone()
}

// GC sweeps tombstoned nodes whose creation clock is dominated by ackedClock
// — i.e. every peer has acknowledged a state at least as recent as the
// node's creation, so no future operation can still reference it. Unlinked
// nodes are dropped from both the list and the map. Idempotent.
func (d *CRDTDocument) GC(ackedClock vclock.Clock) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	swept := 0
	id := d.nodes[headSentinel].Next
	for id != tailSentinel {
		node := d.nodes[id]
		next := node.Next
		if node.Tombstone && ackedClock.Dominates(node.Clock) {
			d.unlink(node)
			delete(d.nodes, node.ID)
			swept++
		}
		id = next
	}
	return swept
}

func (d *CRDTDocument) unlink(node *CRDTNode) {
	prev := d.nodes[node.Prev]
	next := d.nodes[node.Next]
	prev.Next = next.ID
	next.Prev = prev.ID
}

func (d *CRDTDocument) visibleString() string {
	var out []rune
	id := d.nodes[headSentinel].Next
	for id != tailSentinel {
		node := d.nodes[id]
		if !node.Tombstone {
			out = append(out, node.Value)
		}
		id = node.Next
	}
	return string(out)
}

func (d *CRDTDocument) recordHistory(op ot.Operation) {
	d.history = append(d.history, op)
	d.truncateHistory()
}

func (d *CRDTDocument) truncateHistory() {
	if d.maxHistorySize <= 0 {
		return
	}
	if over := len(d.history) - d.maxHistorySize; over > 0 {
		d.history = append([]ot.Operation{}, d.history[over:]...)
	}
}

// applyOperation mutates the node list for op, dispatching Replace into a
// tombstone pass followed by an insert pass at the same position.
func (d *CRDTDocument) applyOperation(op ot.Operation) {
	switch op.Kind {
	case ot.Insert:
		d.insertNodes(op)
	case ot.Delete:
		d.tombstoneNodes(op)
	case ot.Replace:
		d.tombstoneNodes(ot.Operation{ID: op.ID, Position: op.Position, Length: op.Length})
		d.insertNodes(ot.Operation{ID: op.ID, Position: op.Position, Content: op.Content, PeerID: op.PeerID, Clock: op.Clock})
	}
}

// walkToOffset returns the id of the first node, live or tombstoned, reached
// after passing offset live nodes (i.e. the node to insert before / start
// deleting from), or tailSentinel if no node follows them.
func (d *CRDTDocument) walkToOffset(offset int) string {
	id := d.nodes[headSentinel].Next
	seen := 0
	for id != tailSentinel {
		if seen == offset {
			return id
		}
		node := d.nodes[id]
		if !node.Tombstone {
			seen++
		}
		id = node.Next
	}
	return tailSentinel
}

func (d *CRDTDocument) insertNodes(op ot.Operation) {
	if len(op.Content) == 0 {
		return
	}
	before := d.walkToOffset(op.Position)
	beforeNode := d.nodes[before]
	prev := d.nodes[beforeNode.Prev]

	for i, r := range op.Content {
		node := &CRDTNode{
			ID:         fmt.Sprintf("%s_%d", op.ID, i),
			OriginPeer: op.PeerID,
			Value:      r,
			CreatedAt:  op.Timestamp,
			Clock:      op.Clock,
			Prev:       prev.ID,
		}
		prev.Next = node.ID
		d.nodes[node.ID] = node
		prev = node
	}
	prev.Next = before
	beforeNode.Prev = prev.ID
}

func (d *CRDTDocument) tombstoneNodes(op ot.Operation) {
	id := d.walkToOffset(op.Position)
	remaining := op.Length
	for id != tailSentinel && remaining > 0 {
		node := d.nodes[id]
		if !node.Tombstone {
			node.Tombstone = true
			remaining--
		}
		id = node.Next
	}
}
