package circuit

import (
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/torcore/relay/cell"
	"github.com/torcore/relay/link"
)

// SetNextHop records where relay cells not addressed to this hop should be
// forwarded, turning the circuit from a terminus (RoleResponder) into a
// pass-through (RoleMiddle) per spec.md §4.3's "Extend" operation: once the
// responder at hop N has opened (or reused) a link to hop N+1 and received
// CREATED from it, cells that don't recognize at hop N are forwarded there.
func (c *Circuit) SetNextHop(nextLink *link.Link, nextID uint16) {
	c.wmu.Lock()
	c.rmu.Lock()
	c.NextLink = nextLink
	c.NextID = nextID
	c.Role = RoleMiddle
	c.rmu.Unlock()
	c.wmu.Unlock()
}

// peelOneLayer decrypts payload in place with this circuit's single hop
// key and reports whether the cell is addressed to this hop (spec.md §4.3's
// "Relay-cell recognition rule"): recognized==0 AND the 4-byte digest
// prefix matches the running backward-digest state.
func (c *Circuit) peelOneLayer(payload []byte) (forMe bool, err error) {
	if len(c.Hops) != 1 {
		return false, fmt.Errorf("peelOneLayer called on a circuit with %d hops, want 1", len(c.Hops))
	}
	hop := c.Hops[0]
	hop.kb.XORKeyStream(payload, payload)

	recognized := binary.BigEndian.Uint16(payload[relayRecognizedOff:])
	if recognized != 0 {
		return false, nil
	}

	var savedDigest [4]byte
	copy(savedDigest[:], payload[relayDigestOff:relayDigestOff+4])
	payload[relayDigestOff] = 0
	payload[relayDigestOff+1] = 0
	payload[relayDigestOff+2] = 0
	payload[relayDigestOff+3] = 0

	dbState, err := hop.db.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("snapshot digest state: %w", err)
	}
	hop.db.Write(payload)
	computed := hop.db.Sum(nil)

	if subtle.ConstantTimeCompare(savedDigest[:], computed[:4]) == 1 {
		return true, nil
	}
	// False recognized==0: restore state, this cell is for a further hop.
	if err := hop.db.(encoding.BinaryUnmarshaler).UnmarshalBinary(dbState); err != nil {
		return false, fmt.Errorf("restore digest state: %w", err)
	}
	// Restore the original digest bytes we zeroed, since this payload will
	// be forwarded on unmodified.
	copy(payload[relayDigestOff:relayDigestOff+4], savedDigest[:])
	return false, nil
}

// addOneLayer encrypts payload in place for the backward (relay→previous
// hop) direction, the inverse of peelOneLayer — used when forwarding a
// cell arriving from the next hop back toward the origin.
func (c *Circuit) addOneLayer(payload []byte) error {
	if len(c.Hops) != 1 {
		return fmt.Errorf("addOneLayer called on a circuit with %d hops, want 1", len(c.Hops))
	}
	c.Hops[0].kf.XORKeyStream(payload, payload)
	return nil
}

// ForwardFromPrevious handles a RELAY/RELAY_EARLY cell arriving on the
// "previous" side of a middle-relay circuit. If the cell recognizes at this
// hop it is returned for local handling (EXTEND, TRUNCATE, SENDME, ...);
// otherwise it is forwarded, re-framed, on NextLink/NextID and (true, ...)
// is never returned for that path — forwarded cells are not surfaced to
// the caller.
func (c *Circuit) ForwardFromPrevious(incoming cell.Cell) (forMe bool, relayCmd uint8, streamID uint16, data []byte, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	payload := make([]byte, RelayPayloadLen)
	copy(payload, incoming.Payload()[:RelayPayloadLen])

	forMe, err = c.peelOneLayer(payload)
	if err != nil {
		return false, 0, 0, nil, err
	}
	if forMe {
		relayCmd = payload[relayCommandOff]
		streamID = binary.BigEndian.Uint16(payload[relayStreamIDOff:])
		dataLen := binary.BigEndian.Uint16(payload[relayLengthOff:])
		if int(dataLen) > MaxRelayDataLen {
			return false, 0, 0, nil, fmt.Errorf("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
		}
		data = make([]byte, dataLen)
		copy(data, payload[relayDataOff:relayDataOff+int(dataLen)])
		return true, relayCmd, streamID, data, nil
	}

	if c.NextLink == nil {
		return false, 0, 0, nil, fmt.Errorf("relay cell not recognized and circuit has no next hop")
	}
	out := cell.NewFixedCell(c.NextID, incoming.Command())
	copy(out.Payload(), payload)
	if err := c.NextLink.Writer.WriteCell(out); err != nil {
		return false, 0, 0, nil, fmt.Errorf("forward relay cell: %w", err)
	}
	return false, 0, 0, nil, nil
}

// ForwardFromNext handles a RELAY/RELAY_EARLY cell arriving on the "next"
// side, adding this hop's backward-direction layer and forwarding it toward
// the previous hop (spec.md §4.3: "in the backward direction symmetrically
// add a layer of AES ... and forward toward the origin").
func (c *Circuit) ForwardFromNext(incoming cell.Cell) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	payload := make([]byte, RelayPayloadLen)
	copy(payload, incoming.Payload()[:RelayPayloadLen])
	if err := c.addOneLayer(payload); err != nil {
		return err
	}
	out := cell.NewFixedCell(c.ID, incoming.Command())
	copy(out.Payload(), payload)
	return c.Link.Writer.WriteCell(out)
}
