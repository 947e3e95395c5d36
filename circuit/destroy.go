package circuit

import (
	"fmt"

	"github.com/torcore/relay/cell"
)

// RelayTruncated is the relay-command used to tell the origin that a
// further hop has gone away while the circuit up to this hop remains
// usable (spec.md §4.3's "Destruction" rule for a non-origin hop).
const RelayTruncated uint8 = 9

// ReceiveDestroy processes an inbound DESTROY, propagating it to the other
// side of the circuit per spec.md §4.3:
//   - DESTROY from the previous side: clear that mapping, forward DESTROY
//     to the next side (if any), move to CLOSED.
//   - DESTROY from the next side at a non-origin hop: package as
//     RELAY_TRUNCATED toward the previous side instead of closing this hop,
//     so the circuit up to here remains usable; at an origin there is no
//     "previous side" and the circuit simply closes.
func (c *Circuit) ReceiveDestroy(reason uint8, fromNext bool) error {
	if fromNext && c.Role != RoleOrigin {
		truncated := []byte{reason}
		c.NextLink = nil
		c.Role = RoleResponder
		return c.SendRelay(RelayTruncated, 0, truncated)
	}

	c.State = StateClosed
	if fromNext {
		// Origin's only link closed; nothing further to propagate.
		return nil
	}
	if c.NextLink != nil {
		next := cell.NewFixedCell(c.NextID, cell.CmdDestroy)
		next.Payload()[0] = reason
		if err := c.NextLink.Writer.WriteCell(next); err != nil {
			return fmt.Errorf("propagate DESTROY to next hop: %w", err)
		}
	}
	return nil
}

// CloseForLinkFailure marks the circuit CLOSED after its underlying link
// fails (TCP close, TLS alert, decode error) rather than an explicit
// DESTROY. It records no reason code and sends no DESTROY or
// RELAY_TRUNCATED toward the circuit's other side.
func (c *Circuit) CloseForLinkFailure() {
	c.State = StateClosed
}
