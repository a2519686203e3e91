// Package merge implements three-way merge and streaming conflict
// resolution over sets of operations: diffing against a common ancestor,
// detecting concurrent overlapping edits, and resolving them under a
// named strategy.
package merge

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/harborgrid-justin/collabcore/pkg/ot"
	"github.com/harborgrid-justin/collabcore/pkg/vclock"
)

// Strategy names a conflict resolution policy.
type Strategy int

const (
	LastWriteWins Strategy = iota
	FirstWriteWins
	Merge
	Manual
)

func (s Strategy) String() string {
	switch s {
	case LastWriteWins:
		return "LastWriteWins"
	case FirstWriteWins:
		return "FirstWriteWins"
	case Merge:
		return "Merge"
	case Manual:
		return "Manual"
	default:
		return "Unknown"
	}
}

// ErrManualResolutionRequired marks a conflict that needs manual resolution.
// The engine itself never returns it: under Strategy Manual without a
// resolution callback it leaves the Conflict's Resolution nil, and
// internal/syncsvc wraps this error when it reports such a conflict.
var ErrManualResolutionRequired = errors.New("merge: conflict requires manual resolution")

// Conflict is a pair of concurrent operations whose position ranges
// overlap and whose peers differ.
type Conflict struct {
	A          ot.Operation
	B          ot.Operation
	DetectedAt int64
	Resolution *ConflictResolution
}

// ConflictResolution records how a Conflict was settled.
type ConflictResolution struct {
	Strategy    Strategy
	Selected    *ot.Operation // the chosen op, for LWW/FWW
	Synthesized *ot.Operation // the synthesized op, for Merge
	ResolvedBy  string
}

// Result is the outcome of a merge pass.
type Result struct {
	Operations []ot.Operation
	Conflicts  []Conflict
	Resolved   bool
}

// Engine runs three-way and streaming merges under a fixed strategy.
type Engine struct {
	strategy Strategy
	resolver func(Conflict) (ot.Operation, bool)
}

// NewEngine builds an Engine using strategy. resolver is consulted only
// when strategy is Manual; it returns the host-selected operation and true,
// or ok=false if the host has not yet decided.
func NewEngine(strategy Strategy, resolver func(Conflict) (ot.Operation, bool)) *Engine {
	return &Engine{strategy: strategy, resolver: resolver}
}

// ThreeWayMerge reconciles local and remote, both diffed against base, by
// operation id.
func (e *Engine) ThreeWayMerge(base, local, remote []ot.Operation) Result {
	baseIDs := idSet(base)

	localOnly := diff(local, baseIDs)
	remoteOnly := diff(remote, baseIDs)

	conflicts, conflictedIDs := detectConflicts(localOnly, remoteOnly)

	var merged []ot.Operation
	for _, op := range localOnly {
		if !conflictedIDs[op.ID] {
			merged = append(merged, op)
		}
	}
	for _, op := range remoteOnly {
		if !conflictedIDs[op.ID] {
			merged = append(merged, op)
		}
	}
	merged = stableOrder(merged)

	resolved := true
	for i := range conflicts {
		e.resolve(&conflicts[i])
		if conflicts[i].Resolution == nil {
			resolved = false
			continue
		}
		merged = append(merged, resolvedOps(conflicts[i])...)
	}
	merged = stableOrder(merged)

	return Result{Operations: merged, Conflicts: conflicts, Resolved: resolved}
}

// ResolvePair runs conflict detection and resolution over a single
// concurrent pair, as used by the streaming path when overlapping ranges
// are detected outside of a three-way merge.
func (e *Engine) ResolvePair(a, b ot.Operation) (Conflict, bool) {
	if !isConflict(a, b) {
		return Conflict{}, false
	}
	c := Conflict{A: a, B: b, DetectedAt: time.Now().UnixNano()}
	e.resolve(&c)
	return c, true
}

func (e *Engine) resolve(c *Conflict) {
	switch e.strategy {
	case LastWriteWins:
		c.Resolution = pickByTimestamp(c.A, c.B, true)
	case FirstWriteWins:
		c.Resolution = pickByTimestamp(c.A, c.B, false)
	case Merge:
		if res := mergeInsertInsert(c.A, c.B); res != nil {
			c.Resolution = res
		} else {
			c.Resolution = pickByTimestamp(c.A, c.B, true)
		}
	case Manual:
		if e.resolver == nil {
			return
		}
		if selected, ok := e.resolver(*c); ok {
			c.Resolution = &ConflictResolution{Strategy: Manual, Selected: &selected, ResolvedBy: "host"}
		}
	}
}

// ResolvedOperation returns the single operation a resolved Conflict
// settled on — the synthesized op for Merge, the selected op for
// LastWriteWins/FirstWriteWins/Manual — and false if the conflict has not
// been resolved (Manual with no host decision yet).
func (c Conflict) ResolvedOperation() (ot.Operation, bool) {
	ops := resolvedOps(c)
	if len(ops) == 0 {
		return ot.Operation{}, false
	}
	return ops[0], true
}

func resolvedOps(c Conflict) []ot.Operation {
	if c.Resolution == nil {
		return nil
	}
	if c.Resolution.Synthesized != nil {
		return []ot.Operation{*c.Resolution.Synthesized}
	}
	if c.Resolution.Selected != nil {
		return []ot.Operation{*c.Resolution.Selected}
	}
	return nil
}

func pickByTimestamp(a, b ot.Operation, wantLater bool) *ConflictResolution {
	winner := a
	switch {
	case a.Timestamp != b.Timestamp:
		if (a.Timestamp > b.Timestamp) == wantLater {
			winner = a
		} else {
			winner = b
		}
	default:
		// tie: greater peer id wins a LastWriteWins tie; mirrored for
		// FirstWriteWins.
		if (a.PeerID > b.PeerID) == wantLater {
			winner = a
		} else {
			winner = b
		}
	}
	strategy := LastWriteWins
	if !wantLater {
		strategy = FirstWriteWins
	}
	return &ConflictResolution{Strategy: strategy, Selected: &winner, ResolvedBy: "engine"}
}

func mergeInsertInsert(a, b ot.Operation) *ConflictResolution {
	if a.Kind != ot.Insert || b.Kind != ot.Insert {
		return nil
	}
	first, second := a, b
	if second.Timestamp < first.Timestamp {
		first, second = second, first
	}

	content := append(append([]rune{}, first.Content...), second.Content...)
	merged := ot.Operation{
		ID:        uuid.NewString(),
		Kind:      ot.Insert,
		Position:  first.Position,
		Content:   content,
		PeerID:    first.PeerID,
		Timestamp: second.Timestamp,
		Clock:     a.Clock.Merge(b.Clock).Increment(first.PeerID),
		Metadata: map[string]any{
			"merged":    true,
			"sourceIDs": []string{a.ID, b.ID},
		},
	}
	return &ConflictResolution{Strategy: Merge, Synthesized: &merged, ResolvedBy: "engine"}
}

func idSet(ops []ot.Operation) map[string]struct{} {
	set := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		set[op.ID] = struct{}{}
	}
	return set
}

func diff(ops []ot.Operation, baseIDs map[string]struct{}) []ot.Operation {
	var out []ot.Operation
	for _, op := range ops {
		if _, inBase := baseIDs[op.ID]; !inBase {
			out = append(out, op)
		}
	}
	return out
}

func isConflict(a, b ot.Operation) bool {
	if a.PeerID == b.PeerID {
		return false
	}
	if !a.Clock.IsConcurrent(b.Clock) {
		return false
	}
	return rangesOverlap(a, b)
}

func rangeOf(op ot.Operation) (start, end int) {
	start = op.Position
	switch op.Kind {
	case ot.Insert:
		end = start + len(op.Content)
	case ot.Delete, ot.Replace:
		end = start + op.Length
	default:
		end = start
	}
	if end == start {
		end = start + 1 // zero-width ops still occupy a point for overlap purposes
	}
	return start, end
}

func rangesOverlap(a, b ot.Operation) bool {
	aStart, aEnd := rangeOf(a)
	bStart, bEnd := rangeOf(b)
	return aStart < bEnd && bStart < aEnd
}

func detectConflicts(localOnly, remoteOnly []ot.Operation) ([]Conflict, map[string]bool) {
	var conflicts []Conflict
	conflicted := make(map[string]bool)
	for _, a := range localOnly {
		for _, b := range remoteOnly {
			if isConflict(a, b) {
				conflicts = append(conflicts, Conflict{A: a, B: b, DetectedAt: time.Now().UnixNano()})
				conflicted[a.ID] = true
				conflicted[b.ID] = true
			}
		}
	}
	return conflicts, conflicted
}

// stableOrder sorts by causality first (Before precedes After), then
// timestamp ascending, then operation id ascending for Concurrent ties.
func stableOrder(ops []ot.Operation) []ot.Operation {
	sorted := append([]ot.Operation{}, ops...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch a.Clock.Compare(b.Clock) {
		case vclock.Before:
			return true
		case vclock.After:
			return false
		default:
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			return a.ID < b.ID
		}
	})
	return sorted
}
