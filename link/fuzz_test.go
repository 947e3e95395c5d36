package link

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func FuzzParseNetInfo(f *testing.F) {
	ts := make([]byte, 4)
	binary.BigEndian.PutUint32(ts, uint32(time.Now().Unix()))

	v4 := append(append([]byte{}, ts...), addrTypeIPv4, 4, 198, 51, 100, 7, 0x00)
	f.Add(v4)

	v6Addr := net.ParseIP("2001:db8::1").To16()
	v6 := append(append([]byte{}, ts...), addrTypeIPv6, 16)
	v6 = append(v6, v6Addr...)
	v6 = append(v6, 0x01, addrTypeIPv4, 4, 10, 0, 0, 1)
	f.Add(v6)

	f.Add([]byte{})
	f.Add([]byte{0x00, 0x00, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input.
		_, _ = parseNetInfo(data)
	})
}
