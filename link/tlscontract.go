package link

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// peerIdentityFingerprint extracts the 20-byte identity fingerprint of the
// peer on an established TLS connection: SHA-1 over the DER-encoded public
// key of the peer's identity certificate (spec.md §4.6). The identity
// certificate is the last one in the chain sent by the peer — it is
// self-signed and signs the connection certificate the peer actually
// negotiated with.
func peerIdentityFingerprint(state tls.ConnectionState) ([20]byte, error) {
	var fp [20]byte
	chain := state.PeerCertificates
	if len(chain) == 0 {
		return fp, fmt.Errorf("link: no peer certificates presented")
	}
	identityCert := chain[len(chain)-1]
	if err := verifySelfSigned(identityCert); err != nil {
		return fp, fmt.Errorf("link: identity certificate: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(identityCert.PublicKey)
	if err != nil {
		return fp, fmt.Errorf("link: marshal identity public key: %w", err)
	}
	fp = sha1.Sum(pub)
	return fp, nil
}

// ownCertFingerprint computes the same SHA-1-over-DER-pubkey fingerprint a
// peer would compute for us, from our own link certificate's leaf.
func ownCertFingerprint(cert tls.Certificate) ([20]byte, error) {
	var fp [20]byte
	if len(cert.Certificate) == 0 {
		return fp, fmt.Errorf("link: local certificate has no leaf")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fp, fmt.Errorf("link: parse local certificate: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return fp, fmt.Errorf("link: marshal local public key: %w", err)
	}
	fp = sha1.Sum(pub)
	return fp, nil
}

func verifySelfSigned(cert *x509.Certificate) error {
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return fmt.Errorf("not self-signed: %w", err)
	}
	return nil
}

// byteCounters tracks raw bytes moved over the TLS link since the last
// sample, so the core can account for TLS overhead separately from relay
// payload (spec.md §4.6).
type byteCounters struct {
	read    uint64
	written uint64
}

func (bc *byteCounters) addRead(n int)    { bc.read += uint64(n) }
func (bc *byteCounters) addWritten(n int) { bc.written += uint64(n) }

// Sample returns the counters accumulated so far and resets them to zero.
func (bc *byteCounters) Sample() (read, written uint64) {
	read, written = bc.read, bc.written
	bc.read, bc.written = 0, 0
	return
}
