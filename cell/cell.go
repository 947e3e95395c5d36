// Package cell implements the fixed and variable-length frame formats that
// are the unit of transport on a Tor link: encode/decode of 512-byte cells
// and VERSIONS-style variable-length cells, as described in tor-spec §3.
package cell

import "encoding/binary"

// Command constants (tor-spec §3).
const (
	CmdPadding     uint8 = 0
	CmdCreate      uint8 = 1
	CmdCreated     uint8 = 2
	CmdRelay       uint8 = 3
	CmdDestroy     uint8 = 4
	CmdCreateFast  uint8 = 5
	CmdCreatedFast uint8 = 6
	CmdVersions    uint8 = 7
	CmdNetInfo     uint8 = 8
	CmdRelayEarly  uint8 = 9
)

const (
	// CircIDLen is the width of the circuit-id field: 16 bits.
	CircIDLen = 2
	// CmdLen is the width of the command field.
	CmdLen = 1
	// MaxPayloadLen is the payload size of a fixed cell.
	MaxPayloadLen = 509
	// FixedCellLen is the total size of a fixed cell: circ-id(2) + cmd(1) + payload(509).
	FixedCellLen = CircIDLen + CmdLen + MaxPayloadLen // 512
	// MaxVarPayloadLen bounds a variable cell's declared length field (16 bits).
	MaxVarPayloadLen = 0xFFFF
)

// IsVariableLengthCommand reports whether cmd is variable-length on a link
// whose negotiated protocol version is at least 2. Per spec.md §3, VERSIONS
// is the only variable-length command the core recognizes; it is ALWAYS
// variable-length, even on a link that otherwise carries only fixed cells.
func IsVariableLengthCommand(cmd uint8) bool {
	return cmd == CmdVersions
}

// Cell is a fixed-size Tor cell backed by a FixedCellLen-byte slice.
type Cell []byte

// NewFixedCell allocates a zeroed fixed cell with the given circuit-id and command.
func NewFixedCell(circID uint16, cmd uint8) Cell {
	c := make(Cell, FixedCellLen)
	binary.BigEndian.PutUint16(c[0:2], circID)
	c[2] = cmd
	return c
}

func (c Cell) CircID() uint16 {
	return binary.BigEndian.Uint16(c[0:2])
}

func (c Cell) Command() uint8 {
	return c[2]
}

func (c Cell) Payload() []byte {
	return c[3:]
}

// VarCell is a variable-length Tor cell: circ-id(2) | cmd(1) | len(2) | payload(len).
type VarCell []byte

// NewVarCell builds a variable-length cell. It fails by returning nil if the
// payload does not fit in the 16-bit length field.
func NewVarCell(circID uint16, cmd uint8, payload []byte) (VarCell, bool) {
	if len(payload) > MaxVarPayloadLen {
		return nil, false
	}
	c := make(VarCell, 5+len(payload))
	binary.BigEndian.PutUint16(c[0:2], circID)
	c[2] = cmd
	binary.BigEndian.PutUint16(c[3:5], uint16(len(payload)))
	copy(c[5:], payload)
	return c, true
}

// NewVersionsCell builds a VERSIONS cell. Per tor-spec, VERSIONS always uses
// circuit-id 0.
func NewVersionsCell(versions []uint16) VarCell {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	c, _ := NewVarCell(0, CmdVersions, payload)
	return c
}

func (c VarCell) CircID() uint16 {
	return binary.BigEndian.Uint16(c[0:2])
}

func (c VarCell) Command() uint8 {
	return c[2]
}

func (c VarCell) Length() uint16 {
	return binary.BigEndian.Uint16(c[3:5])
}

func (c VarCell) Payload() []byte {
	return c[5:]
}

// ParseVersions extracts the 16-bit version numbers from a VERSIONS cell payload.
func ParseVersions(payload []byte) []uint16 {
	n := len(payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return versions
}
