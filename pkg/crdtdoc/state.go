package crdtdoc

import (
	"hash/fnv"

	"github.com/harborgrid-justin/collabcore/pkg/vclock"
)

// DocumentState is a point-in-time snapshot suitable for transmission as a
// Checkpoint message. The core does not persist it.
type DocumentState struct {
	Content   string
	Checksum  uint32
	Clock     vclock.Clock
	UpdatedAt int64
}

// checksum computes the 32-bit FNV-1a hash over s, matching the data
// model's "32-bit FNV-style rolling hash over the visible string".
func checksum(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
