package link

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/torcore/relay/cell"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestNegotiateVersion(t *testing.T) {
	if v := negotiateVersion([]uint16{3, 4, 5}, []uint16{2, 3, 4}); v != 4 {
		t.Fatalf("expected 4, got %d", v)
	}
	if v := negotiateVersion([]uint16{3}, []uint16{9}); v != 0 {
		t.Fatalf("expected 0 for empty intersection, got %d", v)
	}
}

func TestCircIDOwnership(t *testing.T) {
	greater := [20]byte{2}
	lesser := [20]byte{1}
	if !ownsHighBit(greater, lesser) {
		t.Fatal("greater identity digest should own the high bit")
	}
	if ownsHighBit(lesser, greater) {
		t.Fatal("lesser identity digest should not own the high bit")
	}

	ids := newCircIDs(true)
	for i := 0; i < 5; i++ {
		id := ids.Allocate()
		if id&circIDHighBit == 0 {
			t.Fatalf("allocated id %d missing high bit", id)
		}
		if !ids.OwnedByPeer(id ^ circIDHighBit) {
			t.Fatalf("id with flipped high bit should be owned by peer")
		}
	}
}

func TestCircIDClaimRejectsDuplicate(t *testing.T) {
	ids := newCircIDs(false)
	if !ids.Claim(42) {
		t.Fatal("first claim should succeed")
	}
	if ids.Claim(42) {
		t.Fatal("duplicate claim should fail")
	}
	ids.Release(42)
	if !ids.Claim(42) {
		t.Fatal("claim after release should succeed")
	}
}

func TestNetInfoRoundTrip(t *testing.T) {
	ni := netInfo{
		Timestamp: time.Unix(1700000000, 0),
		TheirAddr: net.ParseIP("203.0.113.9").To4(),
		OurAddrs:  []net.IP{net.ParseIP("198.51.100.5").To4()},
	}
	encoded := buildNetInfo(ni)
	decoded, err := parseNetInfo(encoded)
	if err != nil {
		t.Fatalf("parseNetInfo: %v", err)
	}
	if !decoded.Timestamp.Equal(ni.Timestamp) {
		t.Fatalf("timestamp mismatch: got %v want %v", decoded.Timestamp, ni.Timestamp)
	}
	if !decoded.TheirAddr.Equal(ni.TheirAddr) {
		t.Fatalf("their addr mismatch")
	}
	if len(decoded.OurAddrs) != 1 || !decoded.OurAddrs[0].Equal(ni.OurAddrs[0]) {
		t.Fatalf("our addrs mismatch: %v", decoded.OurAddrs)
	}
}

func TestAcceptsInHandshakeAndOpenFiltering(t *testing.T) {
	if !AcceptsInHandshake(cell.CmdCreate) {
		t.Fatal("CREATE must be accepted during handshake")
	}
	if AcceptsInHandshake(cell.CmdRelay) {
		t.Fatal("RELAY must not be accepted during handshake")
	}
	if !RejectedWhenOpen(cell.CmdNetInfo) {
		t.Fatal("NETINFO must be rejected once OPEN")
	}
	if RejectedWhenOpen(cell.CmdRelay) {
		t.Fatal("RELAY must not be rejected once OPEN")
	}
}

// TestHandshakeEndToEnd drives DialAndHandshake/AcceptAndHandshake over a
// real loopback TCP connection, verifying both sides reach OPEN and agree
// on the negotiated version and each other's identity digest.
func TestHandshakeEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCert := selfSignedCert(t)
	clientCert := selfSignedCert(t)

	type result struct {
		l   *Link
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverCh <- result{nil, err}
			return
		}
		l, err := AcceptAndHandshake(conn, serverCert, nil)
		serverCh <- result{l, err}
	}()

	clientLink, err := DialAndHandshake(ln.Addr().String(), clientCert, nil)
	if err != nil {
		t.Fatalf("DialAndHandshake: %v", err)
	}
	defer clientLink.Close()

	res := <-serverCh
	if res.err != nil {
		t.Fatalf("AcceptAndHandshake: %v", res.err)
	}
	defer res.l.Close()

	if clientLink.State != StateOpen || res.l.State != StateOpen {
		t.Fatalf("expected both sides OPEN, got client=%v server=%v", clientLink.State, res.l.State)
	}
	if clientLink.Version != res.l.Version {
		t.Fatalf("version mismatch: client=%d server=%d", clientLink.Version, res.l.Version)
	}
	if clientLink.CircIDs.ownHighBit == res.l.CircIDs.ownHighBit {
		t.Fatal("exactly one side should own the circuit-id high bit")
	}
}
