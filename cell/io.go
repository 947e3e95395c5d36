package cell

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrLinkClosed is returned by Decode when the underlying stream ended
// cleanly (or mid-header) before a full cell arrived. Per spec.md §4.1 a
// short read is link EOF, never a protocol error — callers should treat it
// the same as io.EOF, not log it as a malformed cell.
var ErrLinkClosed = errors.New("cell: link closed")

// Decoder reads cells off a link, given the link's currently negotiated
// protocol version (0 before VERSIONS has been exchanged).
type Decoder struct {
	r       *bufio.Reader
	Version uint16
}

func NewDecoder(r *bufio.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next cell. It returns either a Cell (fixed) or a VarCell
// (variable), matching spec.md §4.1: the next cell is variable-length iff
// Version >= 2 AND the command byte is a variable-length command (VERSIONS).
// Before version negotiation (Version == 0) only VERSIONS cells are ever
// read, and VERSIONS is always variable-length regardless of Version.
func (d *Decoder) Decode() (any, error) {
	hdr := make([]byte, CircIDLen+CmdLen)
	if _, err := io.ReadFull(d.r, hdr); err != nil {
		return nil, wrapShortRead(err)
	}
	circID := binary.BigEndian.Uint16(hdr[0:2])
	cmd := hdr[2]

	variable := cmd == CmdVersions || (d.Version >= 2 && IsVariableLengthCommand(cmd))
	if variable {
		var lenBuf [2]byte
		if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
			return nil, wrapShortRead(err)
		}
		plen := binary.BigEndian.Uint16(lenBuf[:])
		payload := make([]byte, plen)
		if plen > 0 {
			if _, err := io.ReadFull(d.r, payload); err != nil {
				return nil, wrapShortRead(err)
			}
		}
		vc, ok := NewVarCell(circID, cmd, payload)
		if !ok {
			return nil, fmt.Errorf("cell: variable payload too large: %d", plen)
		}
		return vc, nil
	}

	c := NewFixedCell(circID, cmd)
	if _, err := io.ReadFull(d.r, c.Payload()); err != nil {
		return nil, wrapShortRead(err)
	}
	return c, nil
}

func wrapShortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrLinkClosed
	}
	return fmt.Errorf("cell: read: %w", err)
}

// Writer writes cells (fixed or variable) to a link.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (cw *Writer) WriteCell(c Cell) error {
	_, err := cw.w.Write(c)
	if err != nil {
		return fmt.Errorf("cell: write: %w", err)
	}
	return nil
}

func (cw *Writer) WriteVarCell(c VarCell) error {
	_, err := cw.w.Write(c)
	if err != nil {
		return fmt.Errorf("cell: write var: %w", err)
	}
	return nil
}
