// Package circuit implements the Tor circuit state machine: the create/
// extend handshakes, per-hop AES-128-CTR/SHA-1 crypto, relay-cell peeling
// and forwarding, and DESTROY propagation (spec.md §4.3).
package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/torcore/relay/cell"
	"github.com/torcore/relay/descriptor"
	"github.com/torcore/relay/link"
	"github.com/torcore/relay/ntor"
)

// Hop holds the encryption state for one circuit hop.
type Hop struct {
	kf cipher.Stream // Forward AES-128-CTR (client→relay)
	kb cipher.Stream // Backward AES-128-CTR (relay→client)
	df hash.Hash     // Forward running SHA-1 digest
	db hash.Hash     // Backward running SHA-1 digest
}

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit (tor-spec §5.6).
const MaxRelayEarly = 8

// Role distinguishes the three positions a circuit's local endpoint can
// occupy (spec.md §4.3).
type Role int

const (
	// RoleOrigin is the client that built the circuit and holds keys for
	// every hop.
	RoleOrigin Role = iota
	// RoleResponder is a relay terminating the circuit at this hop (the
	// first hop from an origin's perspective, or any hop before extension).
	RoleResponder
	// RoleMiddle is a relay that has accepted CREATE and is now also
	// forwarding relay cells toward a next-hop link after EXTEND.
	RoleMiddle
)

// State is the circuit's position in the lifecycle (spec.md §4.3).
type State int

const (
	StateCreateSent State = iota
	StateOnionskinPending
	StateOpen
	StateTruncated
	StateClosed
)

// Circuit represents an established (or establishing) Tor circuit over a link.
type Circuit struct {
	rmu sync.Mutex // protects reads: Link.ReadCell, kb, db
	wmu sync.Mutex // protects writes: Link.Writer, kf, df, RelayEarlySent

	ID             uint16
	Link           *link.Link
	Role           Role
	State          State
	Hops           []*Hop
	RelayEarlySent int // tracks RELAY_EARLY cells sent (max 8)

	// NextLink/NextID are set once a middle relay has extended the circuit
	// to a further hop; relay cells not recognized at this hop forward there.
	NextLink *link.Link
	NextID   uint16

	// Windows implements the per-circuit sliding-window flow control from
	// spec.md §4.3; nil until the circuit reaches OPEN.
	Windows *CircuitWindows
}

// Create performs an ntor CREATE/CREATED handshake to build a single-hop
// circuit as an origin (spec.md §4.3, "Create path (origin)").
func Create(l *link.Link, relayInfo *descriptor.RelayInfo, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	circID := l.CircIDs.Allocate()
	logger.Info("circuit ID allocated", "circID", fmt.Sprintf("0x%04x", circID))

	hs, err := ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
	if err != nil {
		return nil, fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Close()

	clientData := hs.ClientData()
	createCell := cell.NewFixedCell(circID, cell.CmdCreate)
	copy(createCell.Payload(), clientData[:])

	l.SetDeadline(time.Now().Add(30 * time.Second))
	defer l.SetDeadline(time.Time{})

	logger.Debug("sending CREATE", "circID", fmt.Sprintf("0x%04x", circID))
	if err := l.Writer.WriteCell(createCell); err != nil {
		return nil, fmt.Errorf("send CREATE: %w", err)
	}

	resp, err := l.ReadCell()
	if err != nil {
		return nil, fmt.Errorf("read CREATED: %w", err)
	}

	switch resp.Command() {
	case cell.CmdDestroy:
		reason := resp.Payload()[0]
		return nil, fmt.Errorf("relay sent DESTROY (reason=%d) instead of CREATED", reason)
	case cell.CmdCreated:
	default:
		return nil, fmt.Errorf("expected CREATED, got command %d", resp.Command())
	}

	var serverData [64]byte
	copy(serverData[:], resp.Payload()[:64])

	km, err := hs.Complete(serverData)
	if err != nil {
		return nil, fmt.Errorf("ntor complete: %w", err)
	}
	logger.Info("ntor handshake complete")

	hop, err := initHop(km)
	clearKeyMaterial(km)
	if err != nil {
		return nil, fmt.Errorf("init hop: %w", err)
	}

	return &Circuit{
		ID:      circID,
		Link:    l,
		Role:    RoleOrigin,
		State:   StateOpen,
		Hops:    []*Hop{hop},
		Windows: NewCircuitWindows(),
	}, nil
}

// clearKeyMaterial zeroes derived key material once it has been consumed.
func clearKeyMaterial(km *ntor.KeyMaterial) {
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
}

// SendRelay encrypts and sends a relay cell through the circuit.
// The encrypt and write are atomic to prevent interleaving of cipher stream state.
func (c *Circuit) SendRelay(relayCmd uint8, streamID uint16, data []byte) error {
	c.wmu.Lock()
	relayCell, err := c.encryptRelayLocked(relayCmd, streamID, data)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("encrypt relay: %w", err)
	}
	err = c.Link.Writer.WriteCell(relayCell)
	c.wmu.Unlock()
	return err
}

// ReceiveRelay reads and decrypts a relay cell from the circuit's link.
// It skips PADDING cells and returns an error on DESTROY.
func (c *Circuit) ReceiveRelay() (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	for {
		c.rmu.Lock()
		incoming, err := c.Link.ReadCell()
		if err != nil {
			c.rmu.Unlock()
			return 0, 0, 0, nil, fmt.Errorf("read cell: %w", err)
		}

		cmd := incoming.Command()
		switch cmd {
		case cell.CmdPadding:
			c.rmu.Unlock()
			continue
		case cell.CmdDestroy:
			c.rmu.Unlock()
			reason := incoming.Payload()[0]
			return 0, 0, 0, nil, fmt.Errorf("circuit destroyed by relay (reason=%d)", reason)
		case cell.CmdRelay, cell.CmdRelayEarly:
			h, rc, sid, d, derr := c.decryptRelayLocked(incoming)
			c.rmu.Unlock()
			return h, rc, sid, d, derr
		default:
			c.rmu.Unlock()
			return 0, 0, 0, nil, fmt.Errorf("unexpected cell command %d on circuit", cmd)
		}
	}
}

// BackwardDigest returns the current backward digest state (for SENDME v1).
func (c *Circuit) BackwardDigest() []byte {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if len(c.Hops) == 0 {
		return nil
	}
	return c.Hops[len(c.Hops)-1].db.Sum(nil)
}

// SendRelayEarly sends a RELAY_EARLY cell, enforcing the per-circuit budget of 8.
func (c *Circuit) SendRelayEarly(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.RelayEarlySent >= MaxRelayEarly {
		return fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", c.RelayEarlySent, MaxRelayEarly)
	}
	c.RelayEarlySent++

	earlyCell := cell.NewFixedCell(c.ID, cell.CmdRelayEarly)
	copy(earlyCell.Payload(), payload)
	return c.Link.Writer.WriteCell(earlyCell)
}

// DestroyReason codes (spec.md §4.3).
const (
	ReasonNone            uint8 = 0
	ReasonProtocol        uint8 = 1
	ReasonInternal        uint8 = 2
	ReasonRequested       uint8 = 3
	ReasonHibernating     uint8 = 4
	ReasonResourceLimit   uint8 = 5
	ReasonConnectFailed   uint8 = 6
	ReasonORIdentity      uint8 = 7
	ReasonORConnClosed    uint8 = 8
	ReasonFinished        uint8 = 9
	ReasonTimeout         uint8 = 10
	ReasonDestroyed       uint8 = 11
	ReasonNoSuchService   uint8 = 12
	reasonLocalOriginated uint8 = 0x80 // high bit: locally originated vs. relayed
)

// Destroy sends a DESTROY cell to tear down the circuit and marks it CLOSED.
func (c *Circuit) Destroy(reason uint8) error {
	c.State = StateClosed
	destroy := cell.NewFixedCell(c.ID, cell.CmdDestroy)
	destroy.Payload()[0] = reason
	return c.Link.Writer.WriteCell(destroy)
}

// NewHop creates a Hop with caller-provided cipher streams and digest hashes.
func NewHop(kf, kb cipher.Stream, df, db hash.Hash) *Hop {
	return &Hop{kf: kf, kb: kb, df: df, db: db}
}

// AddHop appends a hop to the circuit (origin side, after a successful EXTEND).
func (c *Circuit) AddHop(hop *Hop) {
	c.wmu.Lock()
	c.rmu.Lock()
	c.Hops = append(c.Hops, hop)
	c.rmu.Unlock()
	c.wmu.Unlock()
}

func initHop(km *ntor.KeyMaterial) (*Hop, error) {
	// AES-128-CTR with zero IV (stream state persists across cells)
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(km.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(km.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR backward: %w", err)
	}

	df := sha1.New()
	df.Write(km.Df[:])
	db := sha1.New()
	db.Write(km.Db[:])

	return &Hop{
		kf: cipher.NewCTR(fwdBlock, zeroIV),
		kb: cipher.NewCTR(bwdBlock, zeroIV),
		df: df,
		db: db,
	}, nil
}

// initResponderHop is initHop with forward/backward swapped: a responder
// decrypts inbound (client→relay) cells with what the origin calls its
// forward key, and encrypts outbound cells with the backward key. "Forward"
// and "backward" in KeyMaterial are always from the client's perspective.
func initResponderHop(km *ntor.KeyMaterial) (*Hop, error) {
	swapped := &ntor.KeyMaterial{
		Kf: km.Kb, Kb: km.Kf,
		Df: km.Db, Db: km.Df,
	}
	return initHop(swapped)
}
