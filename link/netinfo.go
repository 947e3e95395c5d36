package link

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Address type octets used inside a NETINFO payload (tor-spec §6.4).
const (
	addrTypeIPv4 = 4
	addrTypeIPv6 = 6
)

// netInfo is the parsed form of a NETINFO cell payload (spec.md §6):
// timestamp | their_addr | n_our_addrs | our_addrs...
type netInfo struct {
	Timestamp time.Time
	TheirAddr net.IP
	OurAddrs  []net.IP
}

func encodeAddr(ip net.IP) ([]byte, error) {
	if v4 := ip.To4(); v4 != nil {
		return append([]byte{addrTypeIPv4, 4}, v4...), nil
	}
	if v6 := ip.To16(); v6 != nil {
		return append([]byte{addrTypeIPv6, 16}, v6...), nil
	}
	return nil, fmt.Errorf("netinfo: address %v is neither IPv4 nor IPv6", ip)
}

func decodeAddr(p []byte) (net.IP, []byte, error) {
	if len(p) < 2 {
		return nil, nil, fmt.Errorf("netinfo: truncated address header")
	}
	atype, alen := p[0], int(p[1])
	p = p[2:]
	if len(p) < alen {
		return nil, nil, fmt.Errorf("netinfo: truncated address body")
	}
	raw, rest := p[:alen], p[alen:]
	switch atype {
	case addrTypeIPv4:
		if alen != 4 {
			return nil, nil, fmt.Errorf("netinfo: IPv4 address length %d", alen)
		}
		return net.IP(raw).To4(), rest, nil
	case addrTypeIPv6:
		if alen != 16 {
			return nil, nil, fmt.Errorf("netinfo: IPv6 address length %d", alen)
		}
		return net.IP(raw), rest, nil
	default:
		// Unknown address type: skip it (treat as opaque, per "opt" tolerance elsewhere).
		return nil, rest, nil
	}
}

func buildNetInfo(ni netInfo) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(ni.Timestamp.Unix()))

	theirEnc, err := encodeAddr(ni.TheirAddr)
	if err != nil {
		theirEnc = []byte{addrTypeIPv4, 4, 0, 0, 0, 0}
	}
	payload = append(payload, theirEnc...)

	payload = append(payload, byte(len(ni.OurAddrs)))
	for _, a := range ni.OurAddrs {
		enc, err := encodeAddr(a)
		if err != nil {
			continue
		}
		payload = append(payload, enc...)
	}
	return payload
}

func parseNetInfo(payload []byte) (netInfo, error) {
	var ni netInfo
	if len(payload) < 4 {
		return ni, fmt.Errorf("netinfo: payload too short for timestamp")
	}
	epoch := binary.BigEndian.Uint32(payload[:4])
	ni.Timestamp = time.Unix(int64(epoch), 0)
	p := payload[4:]

	theirAddr, p, err := decodeAddr(p)
	if err != nil {
		return ni, fmt.Errorf("netinfo: their address: %w", err)
	}
	ni.TheirAddr = theirAddr

	if len(p) < 1 {
		return ni, fmt.Errorf("netinfo: missing address count")
	}
	n := int(p[0])
	p = p[1:]
	for i := 0; i < n; i++ {
		var addr net.IP
		addr, p, err = decodeAddr(p)
		if err != nil {
			return ni, fmt.Errorf("netinfo: our address %d: %w", i, err)
		}
		if addr != nil {
			ni.OurAddrs = append(ni.OurAddrs, addr)
		}
	}
	return ni, nil
}
