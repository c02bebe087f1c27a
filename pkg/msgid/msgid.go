// Package msgid generates time-sortable message identifiers.
//
// An ID packs a 41-bit millisecond timestamp, a 10-bit node id, and a 12-bit
// per-millisecond sequence into 63 bits. Numeric comparison of two IDs equals
// their creation order: the timestamp dominates, the node id separates
// generators, and the sequence breaks ties within one millisecond. A single
// Generator hands out strictly increasing IDs even when the wall clock stalls
// or steps backwards, because the logical timestamp never decreases.
package msgid

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	timestampBits = 41
	nodeBits      = 10
	seqBits       = 12

	maxNode = (1 << nodeBits) - 1
	maxSeq  = (1 << seqBits) - 1

	// Custom epoch keeps 41 bits of millis usable for ~69 years.
	// 2020-01-01T00:00:00Z in unix millis.
	epochMillis = 1577836800000
)

// ID is a 63-bit time-sortable identifier. The zero value is not a valid ID.
type ID uint64

// Timestamp returns the creation time encoded in the ID, at millisecond
// resolution.
func (id ID) Timestamp() time.Time {
	ms := int64(id>>(nodeBits+seqBits)) + epochMillis
	return time.UnixMilli(ms)
}

// Node returns the node id encoded in the ID.
func (id ID) Node() int {
	return int(id>>seqBits) & maxNode
}

// String renders the ID as a fixed-width decimal so that lexicographic order
// matches numeric order.
func (id ID) String() string {
	return fmt.Sprintf("%019d", uint64(id))
}

// MarshalJSON encodes the ID as a JSON string. Message ids routinely cross a
// JavaScript boundary where a 63-bit integer would lose precision.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare number.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", s, err)
	}
	*id = ID(v)
	return nil
}

// Parse converts the decimal form produced by String back into an ID.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", s, err)
	}
	return ID(v), nil
}

// Generator produces strictly increasing IDs for one node.
type Generator struct {
	mu      sync.Mutex
	node    uint64
	lastMs  uint64
	lastSeq uint64
}

// NewGenerator returns a Generator for the given node id (0..1023).
func NewGenerator(node int) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("node id %d out of range (0..%d)", node, maxNode)
	}
	return &Generator{node: uint64(node)}, nil
}

// Next returns the next ID. IDs from one Generator are strictly increasing:
// within a millisecond the sequence advances, and if the sequence overflows
// or the wall clock runs behind the last issued timestamp, the logical
// millisecond is advanced instead of waiting on the clock.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(time.Now().UnixMilli() - epochMillis)
	switch {
	case now > g.lastMs:
		g.lastMs = now
		g.lastSeq = 0
	case g.lastSeq < maxSeq:
		g.lastSeq++
	default:
		g.lastMs++
		g.lastSeq = 0
	}

	return ID(g.lastMs<<(nodeBits+seqBits) | g.node<<seqBits | g.lastSeq)
}
