package cell

import (
	"bufio"
	"bytes"
	"testing"
)

func FuzzDecode(f *testing.F) {
	fixed := NewFixedCell(1, CmdNetInfo)
	f.Add([]byte(fixed), uint16(3))

	vc, _ := NewVarCell(0, CmdVersions, []byte{0x00, 0x04})
	f.Add([]byte(vc), uint16(0))

	f.Add([]byte{0x00, 0x01, CmdRelay}, uint16(3)) // short read
	f.Add([]byte{}, uint16(3))                      // empty

	f.Fuzz(func(t *testing.T, data []byte, version uint16) {
		d := NewDecoder(bufio.NewReader(bytes.NewReader(data)))
		d.Version = version
		// Must never panic, regardless of how malformed data is.
		_, _ = d.Decode()
	})
}
