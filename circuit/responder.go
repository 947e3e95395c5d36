package circuit

import (
	"fmt"
	"log/slog"

	"github.com/torcore/relay/cell"
	"github.com/torcore/relay/link"
	"github.com/torcore/relay/ntor"
)

// CreateResponder handles an inbound CREATE cell (spec.md §4.3, "Create path
// (responder)"): nodeID/b/B are this relay's own identity digest and ntor
// keypair. The circuit-id must already have been claimed on l (the
// dispatcher is responsible for uniqueness and ownership checks per §4.2
// before calling this). On success the circuit is OPEN and the CREATED
// reply has already been sent.
func CreateResponder(l *link.Link, circID uint16, nodeID [20]byte, b, B [32]byte, createPayload []byte, logger *slog.Logger) (*Circuit, error) {
	if len(createPayload) < 84 {
		return nil, fmt.Errorf("CREATE payload too short: %d bytes", len(createPayload))
	}
	var clientData [84]byte
	copy(clientData[:], createPayload[:84])

	reply, km, err := ntor.Respond(nodeID, b, B, clientData)
	if err != nil {
		return nil, fmt.Errorf("ntor respond: %w", err)
	}
	return completeResponder(l, circID, reply, km, logger)
}

// completeResponder finishes a CREATE handshake given an already-computed
// ntor server reply: builds the per-hop key schedule, sends CREATED, and
// returns the open circuit. Shared by the synchronous CreateResponder path
// and CryptoWorkerPool's asynchronous completion path (spec.md §5).
func completeResponder(l *link.Link, circID uint16, reply *ntor.ServerReply, km *ntor.KeyMaterial, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hop, err := initResponderHop(km)
	clearKeyMaterial(km)
	if err != nil {
		return nil, fmt.Errorf("init responder hop: %w", err)
	}

	createdCell := cell.NewFixedCell(circID, cell.CmdCreated)
	copy(createdCell.Payload()[0:32], reply.Y[:])
	copy(createdCell.Payload()[32:64], reply.Auth[:])
	if err := l.Writer.WriteCell(createdCell); err != nil {
		return nil, fmt.Errorf("send CREATED: %w", err)
	}

	logger.Info("circuit created as responder", "circID", fmt.Sprintf("0x%04x", circID))
	return &Circuit{
		ID:      circID,
		Link:    l,
		Role:    RoleResponder,
		State:   StateOpen,
		Hops:    []*Hop{hop},
		Windows: NewCircuitWindows(),
	}, nil
}

// CreateFastResponder handles an inbound CREATE_FAST cell: bypasses the
// onion-key step entirely (spec.md §4.3) and is used only for a circuit's
// very first hop.
func CreateFastResponder(l *link.Link, circID uint16, createFastPayload []byte, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(createFastPayload) < ntor.CreateFastLen {
		return nil, fmt.Errorf("CREATE_FAST payload too short: %d bytes", len(createFastPayload))
	}
	var x [ntor.CreateFastLen]byte
	copy(x[:], createFastPayload[:ntor.CreateFastLen])

	y, km, err := ntor.ServerFast(x)
	if err != nil {
		return nil, fmt.Errorf("CREATE_FAST server: %w", err)
	}

	hop, err := initResponderHop(km)
	clearKeyMaterial(km)
	if err != nil {
		return nil, fmt.Errorf("init responder hop: %w", err)
	}

	createdCell := cell.NewFixedCell(circID, cell.CmdCreatedFast)
	copy(createdCell.Payload()[0:ntor.CreateFastLen], y[:])
	if err := l.Writer.WriteCell(createdCell); err != nil {
		return nil, fmt.Errorf("send CREATED_FAST: %w", err)
	}

	logger.Info("circuit created (fast) as responder", "circID", fmt.Sprintf("0x%04x", circID))
	return &Circuit{
		ID:      circID,
		Link:    l,
		Role:    RoleResponder,
		State:   StateOpen,
		Hops:    []*Hop{hop},
		Windows: NewCircuitWindows(),
	}, nil
}
