package link

import (
	"bytes"

	"github.com/torcore/relay/internal/bug"
)

// circIDHighBit is set in a circuit-id owned by the side with the
// lexicographically greater identity digest (spec.md §4.2).
const circIDHighBit uint16 = 1 << 15

// ownsHighBit decides, given both sides' identity digests, whether this side
// owns circuit-ids with the high bit set.
func ownsHighBit(ours, theirs [20]byte) bool {
	return bytes.Compare(ours[:], theirs[:]) > 0
}

// circIDs tracks circuit-ids allocated on one link and enforces the
// ownership discipline from spec.md §4.2.
type circIDs struct {
	ownHighBit bool
	used       map[uint16]bool
	next       uint16
}

func newCircIDs(ownHighBit bool) *circIDs {
	return &circIDs{ownHighBit: ownHighBit, used: make(map[uint16]bool), next: 1}
}

// Allocate picks an unused circuit-id this side is entitled to create, i.e.
// one whose high bit matches ownHighBit.
func (c *circIDs) Allocate() uint16 {
	for {
		id := c.next
		c.next++
		if c.next == 0 {
			c.next = 1
		}
		if c.ownHighBit {
			id |= circIDHighBit
		} else {
			id &^= circIDHighBit
		}
		if id == 0 {
			continue
		}
		if !c.used[id] {
			c.used[id] = true
			bug.Assert(id&circIDHighBit != 0 == c.ownHighBit, "allocated circuit-id violates high-bit ownership")
			return id
		}
	}
}

// Claim registers an incoming circuit-id, e.g. one named by a peer CREATE.
// It returns false if the id is already in use on this link.
func (c *circIDs) Claim(id uint16) bool {
	if c.used[id] {
		return false
	}
	c.used[id] = true
	return true
}

// Release frees a circuit-id for reuse once its circuit has closed.
func (c *circIDs) Release(id uint16) {
	delete(c.used, id)
}

// OwnedByPeer reports whether id is in the range the *peer* is entitled to
// allocate, i.e. the high bit is set opposite to what this side owns. A
// CREATE naming an id outside that range violates spec.md §4.2's ownership
// discipline and must be answered with DESTROY(TORPROTOCOL).
func (c *circIDs) OwnedByPeer(id uint16) bool {
	peerOwnsHighBit := !c.ownHighBit
	idHasHighBit := id&circIDHighBit != 0
	return idHasHighBit == peerOwnsHighBit
}
