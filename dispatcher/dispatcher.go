// Package dispatcher routes inbound cells, on an already-handshaken link, to
// circuit creation, an existing circuit, or back into the link-handshake
// surface, based on cell command and circuit-id (spec.md §4.7).
package dispatcher

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/torcore/relay/cell"
	"github.com/torcore/relay/circuit"
	"github.com/torcore/relay/link"
)

// Identity is this relay's own long-term key material, needed to answer
// inbound CREATE/CREATE_FAST cells (spec.md §4.3's "Create path (responder)").
type Identity struct {
	NodeID     [20]byte
	NtorSecret [32]byte
	NtorPublic [32]byte
}

// circKey identifies a circuit uniquely across every link this dispatcher
// serves: circuit-ids are only unique per-link (spec.md §3's "Circuit"
// invariant (b)).
type circKey struct {
	link *link.Link
	id   uint16
}

// Dispatcher owns the live circuit table for every link it serves and
// decides, per spec.md §4.7's data-flow diagram, whether an inbound cell
// creates a circuit, is handled by one, or belongs to the link layer.
type Dispatcher struct {
	mu       sync.Mutex
	circuits map[circKey]*circuit.Circuit

	identity Identity
	logger   *slog.Logger

	// DialNextHop opens (or reuses) an authenticated link to the address
	// named by an EXTEND2 cell's link specifiers. The raw socket poller and
	// TLS dial are external collaborators (spec.md §1); the dispatcher only
	// needs something that returns an open link.
	DialNextHop func(addr string) (*link.Link, error)

	// CryptoPool, if set, moves CREATE's onion-skin ntor handshake off the
	// per-link Serve loop and onto the worker pool (spec.md §5's crypto
	// worker hand-off): handleCreate submits the work and returns
	// immediately, CREATED is sent later by runCryptoReplies. Nil keeps the
	// synchronous circuit.CreateResponder path, which is fine for a
	// dispatcher serving few links.
	CryptoPool *circuit.CryptoWorkerPool

	linkIDs    map[*link.Link]uint64
	linksByID  map[uint64]*link.Link
	nextLinkID uint64
}

// New creates a Dispatcher bound to this relay's own responder identity.
func New(identity Identity, dialNextHop func(addr string) (*link.Link, error), logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		circuits:    make(map[circKey]*circuit.Circuit),
		identity:    identity,
		logger:      logger,
		DialNextHop: dialNextHop,
		linkIDs:     make(map[*link.Link]uint64),
		linksByID:   make(map[uint64]*link.Link),
	}
	return d
}

// UseCryptoPool enables the asynchronous CREATE handling path and starts
// the goroutine that drains completed onion-skin handshakes back into the
// circuit table.
func (d *Dispatcher) UseCryptoPool(pool *circuit.CryptoWorkerPool) {
	d.CryptoPool = pool
	go d.runCryptoReplies(pool)
}

func (d *Dispatcher) linkID(l *link.Link) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.linkIDs[l]; ok {
		return id
	}
	d.nextLinkID++
	id := d.nextLinkID
	d.linkIDs[l] = id
	d.linksByID[id] = l
	return id
}

// runCryptoReplies reassociates completed onion-skin handshakes with their
// (link, circ-id) and finishes the CREATE handshake, discarding any reply
// whose link is no longer known or whose circuit id was released in the
// meantime (spec.md §5 ordering guarantee 3: the crypto worker may finish
// out of order, and the circuit it was working for may already be gone).
func (d *Dispatcher) runCryptoReplies(pool *circuit.CryptoWorkerPool) {
	for reply := range pool.Replies() {
		d.mu.Lock()
		l, known := d.linksByID[reply.LinkID]
		d.mu.Unlock()
		if !known {
			continue
		}
		if reply.Err != nil {
			l.CircIDs.Release(reply.CircID)
			d.logger.Warn("dispatcher: crypto worker CREATE failed", "circID", reply.CircID, "error", reply.Err)
			continue
		}
		circ, err := circuit.CompleteResponder(l, reply.CircID, reply.Reply, reply.KM, d.logger)
		if err != nil {
			l.CircIDs.Release(reply.CircID)
			d.logger.Warn("dispatcher: completing CREATE failed", "circID", reply.CircID, "error", err)
			continue
		}
		d.mu.Lock()
		d.circuits[circKey{l, reply.CircID}] = circ
		d.mu.Unlock()
	}
}

// Serve reads cells from l until it returns an error (link closed, decode
// failure) and routes each one. It blocks; callers run it per accepted link.
func (d *Dispatcher) Serve(l *link.Link) error {
	for {
		c, err := l.ReadCell()
		if err != nil {
			d.closeCircuitsForLink(l)
			return fmt.Errorf("dispatcher: read cell: %w", err)
		}
		if err := d.dispatch(l, c); err != nil {
			d.logger.Warn("dispatcher: handling cell failed", "command", c.Command(), "error", err)
		}
	}
}

func (d *Dispatcher) dispatch(l *link.Link, c cell.Cell) error {
	switch c.Command() {
	case cell.CmdCreate:
		return d.handleCreate(l, c)
	case cell.CmdCreateFast:
		return d.handleCreateFast(l, c)
	case cell.CmdRelay, cell.CmdRelayEarly:
		return d.handleRelay(l, c)
	case cell.CmdDestroy:
		return d.handleDestroy(l, c)
	case cell.CmdPadding:
		return nil
	default:
		// VERSIONS/NETINFO/CREATED/CREATED_FAST reaching here on an open
		// link belong to a different conversation (an origin circuit we
		// didn't build, or a peer protocol violation); log and drop.
		d.logger.Warn("dispatcher: unexpected cell on open link", "command", c.Command())
		return nil
	}
}

func (d *Dispatcher) handleCreate(l *link.Link, c cell.Cell) error {
	circID := c.CircID()
	if !l.CircIDs.Claim(circID) {
		return fmt.Errorf("CREATE on already-used circuit id 0x%04x", circID)
	}

	if d.CryptoPool != nil {
		if len(c.Payload()) < 84 {
			l.CircIDs.Release(circID)
			return fmt.Errorf("CREATE payload too short: %d bytes", len(c.Payload()))
		}
		var clientData [84]byte
		copy(clientData[:], c.Payload()[:84])
		d.CryptoPool.Submit(circuit.CryptoRequest{
			LinkID:          d.linkID(l),
			CircID:          circID,
			NodeID:          d.identity.NodeID,
			B:               d.identity.NtorPublic,
			Secret:          d.identity.NtorSecret,
			ClientHandshake: clientData,
		})
		return nil
	}

	circ, err := circuit.CreateResponder(l, circID, d.identity.NodeID, d.identity.NtorSecret, d.identity.NtorPublic, c.Payload(), d.logger)
	if err != nil {
		l.CircIDs.Release(circID)
		return fmt.Errorf("CREATE responder: %w", err)
	}
	d.mu.Lock()
	d.circuits[circKey{l, circID}] = circ
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) handleCreateFast(l *link.Link, c cell.Cell) error {
	circID := c.CircID()
	if !l.CircIDs.Claim(circID) {
		return fmt.Errorf("CREATE_FAST on already-used circuit id 0x%04x", circID)
	}
	circ, err := circuit.CreateFastResponder(l, circID, c.Payload(), d.logger)
	if err != nil {
		l.CircIDs.Release(circID)
		return fmt.Errorf("CREATE_FAST responder: %w", err)
	}
	d.mu.Lock()
	d.circuits[circKey{l, circID}] = circ
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) lookupCircuit(l *link.Link, circID uint16) *circuit.Circuit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.circuits[circKey{l, circID}]
}

func (d *Dispatcher) handleRelay(l *link.Link, c cell.Cell) error {
	circ := d.lookupCircuit(l, c.CircID())
	if circ == nil {
		return fmt.Errorf("RELAY cell on unknown circuit id 0x%04x", c.CircID())
	}

	forMe, relayCmd, streamID, data, err := circ.ForwardFromPrevious(c)
	if err != nil {
		return fmt.Errorf("forward relay cell: %w", err)
	}
	if !forMe {
		return nil // already written to the next hop
	}

	switch relayCmd {
	case circuit.RelayExtend2:
		return d.handleExtend2(l, circ, streamID, data)
	default:
		// BEGIN/DATA/END/SENDME/RESOLVE and the rest belong to the stream
		// layer, an external collaborator at this relay position; surface
		// nothing further here beyond having peeled the cell.
		return nil
	}
}

// handleExtend2 parses an EXTEND2 payload, dials (or reuses) the named next
// hop, performs the CREATE/CREATED handshake as the new circuit's client
// side, and replies EXTENDED2 toward the previous hop (spec.md §4.3).
func (d *Dispatcher) handleExtend2(l *link.Link, circ *circuit.Circuit, streamID uint16, data []byte) error {
	target, clientData, err := parseExtend2(data)
	if err != nil {
		return fmt.Errorf("parse EXTEND2: %w", err)
	}
	if d.DialNextHop == nil {
		return fmt.Errorf("EXTEND2: no DialNextHop configured")
	}
	nextLink, err := d.DialNextHop(target.addr)
	if err != nil {
		return fmt.Errorf("dial next hop %s: %w", target.addr, err)
	}

	nextID := nextLink.CircIDs.Allocate()
	createCell := cell.NewFixedCell(nextID, cell.CmdCreate)
	copy(createCell.Payload(), clientData[:])
	if err := nextLink.Writer.WriteCell(createCell); err != nil {
		nextLink.CircIDs.Release(nextID)
		return fmt.Errorf("send CREATE to next hop: %w", err)
	}
	resp, err := nextLink.ReadCell()
	if err != nil {
		return fmt.Errorf("read CREATED from next hop: %w", err)
	}
	if resp.Command() != cell.CmdCreated {
		return fmt.Errorf("next hop replied command %d, want CREATED", resp.Command())
	}

	circ.SetNextHop(nextLink, nextID)
	d.mu.Lock()
	d.circuits[circKey{nextLink, nextID}] = circ
	d.mu.Unlock()

	extended2 := make([]byte, 2+64)
	binary.BigEndian.PutUint16(extended2, 64)
	copy(extended2[2:], resp.Payload()[:64])
	return circ.SendRelay(circuit.RelayExtended2, streamID, extended2)
}

type extend2Target struct {
	addr string
}

// parseExtend2 decodes the NSPEC / link-specifier / HTYPE / HLEN / HDATA
// structure built by circuit.buildExtend2Payload on the previous hop.
func parseExtend2(data []byte) (extend2Target, [84]byte, error) {
	var clientData [84]byte
	if len(data) < 1 {
		return extend2Target{}, clientData, fmt.Errorf("EXTEND2 payload empty")
	}
	nspec := int(data[0])
	off := 1
	var addr string
	for i := 0; i < nspec; i++ {
		if off+2 > len(data) {
			return extend2Target{}, clientData, fmt.Errorf("truncated link specifier %d", i)
		}
		specType, specLen := data[off], int(data[off+1])
		off += 2
		if off+specLen > len(data) {
			return extend2Target{}, clientData, fmt.Errorf("truncated link specifier body %d", i)
		}
		body := data[off : off+specLen]
		off += specLen
		if specType == circuit.LinkSpecIPv4 && specLen == 6 {
			ip := net.IP(body[0:4])
			port := binary.BigEndian.Uint16(body[4:6])
			addr = fmt.Sprintf("%s:%d", ip.String(), port)
		}
	}
	if addr == "" {
		return extend2Target{}, clientData, fmt.Errorf("no usable IPv4 link specifier")
	}
	if off+4 > len(data) {
		return extend2Target{}, clientData, fmt.Errorf("truncated HTYPE/HLEN")
	}
	hlen := binary.BigEndian.Uint16(data[off+2 : off+4])
	off += 4
	if hlen != 84 || off+int(hlen) > len(data) {
		return extend2Target{}, clientData, fmt.Errorf("EXTEND2 HLEN=%d, want 84", hlen)
	}
	copy(clientData[:], data[off:off+84])
	return extend2Target{addr: addr}, clientData, nil
}

func (d *Dispatcher) handleDestroy(l *link.Link, c cell.Cell) error {
	circ := d.lookupCircuit(l, c.CircID())
	if circ == nil {
		return nil // DESTROY on an unknown circuit is silently dropped
	}
	reason := uint8(0)
	if len(c.Payload()) > 0 {
		reason = c.Payload()[0]
	}
	fromNext := l != circ.Link
	nextLink, nextID := circ.NextLink, circ.NextID

	l.CircIDs.Release(c.CircID())
	err := circ.ReceiveDestroy(reason, fromNext)

	d.mu.Lock()
	if !fromNext {
		// Full close: drop both this circuit's bindings, previous and next.
		delete(d.circuits, circKey{circ.Link, c.CircID()})
		if nextLink != nil {
			delete(d.circuits, circKey{nextLink, nextID})
		}
	} else {
		// Truncated at this hop only: drop the now-dead next-side binding.
		delete(d.circuits, circKey{l, c.CircID()})
	}
	d.mu.Unlock()
	return err
}

func (d *Dispatcher) closeCircuitsForLink(l *link.Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, circ := range d.circuits {
		if k.link == l {
			circ.CloseForLinkFailure()
			delete(d.circuits, k)
		}
	}
}

// DefaultDialer builds a DialNextHop function that performs a fresh TLS
// link handshake per call (no link reuse across circuits). Production
// relays would keep a link pool keyed by peer address; that pooling policy
// is left to the caller assembling the Dispatcher.
func DefaultDialer(cert tls.Certificate, logger *slog.Logger) func(addr string) (*link.Link, error) {
	return func(addr string) (*link.Link, error) {
		return link.DialAndHandshake(addr, cert, logger)
	}
}
