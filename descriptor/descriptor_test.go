package descriptor

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func TestParseDescriptor(t *testing.T) {
	signingKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	onionKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate onion key: %v", err)
	}

	ntorKey := make([]byte, 32)
	for i := range ntorKey {
		ntorKey[i] = byte(i + 1)
	}
	ntorB64 := base64.RawStdEncoding.EncodeToString(ntorKey)
	text := buildSignedDescriptor(t, signingKey, onionKey, "ntor-onion-key "+ntorB64+"\n")

	info, err := ParseDescriptor(text)
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}

	if info.Address != "198.51.100.7" {
		t.Fatalf("address: got %s, want 198.51.100.7", info.Address)
	}
	if info.ORPort != 9001 {
		t.Fatalf("port: got %d, want 9001", info.ORPort)
	}

	signingDER := x509.MarshalPKCS1PublicKey(&signingKey.PublicKey)
	expectedDigest := sha1.Sum(signingDER)
	if info.Fingerprint != hex.EncodeToString(expectedDigest[:]) {
		t.Fatalf("fingerprint: got %s, want %s", info.Fingerprint, hex.EncodeToString(expectedDigest[:]))
	}
	if info.NodeID != expectedDigest {
		t.Fatalf("nodeID mismatch")
	}
	for i, b := range ntorKey {
		if info.NtorOnionKey[i] != b {
			t.Fatalf("ntor key byte %d: got %02x, want %02x", i, info.NtorOnionKey[i], b)
		}
	}
}

func TestParseDescriptorMissingNtorKey(t *testing.T) {
	signingKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	onionKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	text := buildSignedDescriptor(t, signingKey, onionKey, "")

	if _, err := ParseDescriptor(text); err == nil {
		t.Fatal("expected error for missing ntor-onion-key")
	}
}

func TestParseDescriptorRejectsForgedSignature(t *testing.T) {
	signingKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	onionKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	ntorKey := make([]byte, 32)
	for i := range ntorKey {
		ntorKey[i] = byte(i + 1)
	}
	text := buildSignedDescriptor(t, signingKey, onionKey, "ntor-onion-key "+base64.RawStdEncoding.EncodeToString(ntorKey)+"\n")
	tampered := strings.Replace(text, "198.51.100.7", "203.0.113.9", 1)

	if _, err := ParseDescriptor(tampered); err == nil {
		t.Fatal("expected signature verification to reject a tampered descriptor")
	}
}

func TestParseDescriptorMalformed(t *testing.T) {
	if _, err := ParseDescriptor("not a descriptor at all"); err == nil {
		t.Fatal("expected error for malformed text")
	}
}

func TestFetchDescriptorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Dir authorities we'd try in order; without a known-good fingerprint on
	// hand this only logs their addresses and makes no request.
	dirAuths := []string{
		"128.31.0.39:9131",   // moria1
		"86.59.21.38:80",     // tor26
		"194.109.206.212:80", // dizum
	}

	for _, dir := range dirAuths {
		t.Logf("Trying dir authority %s", dir)
	}
}
