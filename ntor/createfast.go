package ntor

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

// CreateFastLen is the width of the CREATE_FAST/CREATED_FAST random field.
const CreateFastLen = 20

// ClientFast generates the client's 20-byte random for a CREATE_FAST handshake
// (spec.md §4.3: "CREATE_FAST bypasses the onion-key step... both sides
// contribute 20-byte randoms").
func ClientFast() ([CreateFastLen]byte, error) {
	var x [CreateFastLen]byte
	if _, err := rand.Read(x[:]); err != nil {
		return x, fmt.Errorf("generate CREATE_FAST random: %w", err)
	}
	return x, nil
}

// ServerFast generates the relay's 20-byte random reply and derives the
// resulting KeyMaterial from KDF-TOR(x || y), per spec.md's worked example 2.
func ServerFast(x [CreateFastLen]byte) (y [CreateFastLen]byte, km *KeyMaterial, err error) {
	if _, err = rand.Read(y[:]); err != nil {
		return y, nil, fmt.Errorf("generate CREATE_FAST server random: %w", err)
	}
	km = deriveFastKeys(x, y)
	return y, km, nil
}

// CompleteFast is the client-side counterpart: given the server's 20-byte
// random, derive the same KeyMaterial.
func CompleteFast(x, y [CreateFastLen]byte) *KeyMaterial {
	return deriveFastKeys(x, y)
}

// deriveFastKeys implements KDF-TOR: the SHA-1 expansion
// H(seed||0x00) || H(seed||0x01) || ... truncated to the bytes needed,
// seeded here by x||y as spec.md's CREATE_FAST worked example specifies.
func deriveFastKeys(x, y [CreateFastLen]byte) *KeyMaterial {
	seed := make([]byte, 0, 2*CreateFastLen)
	seed = append(seed, x[:]...)
	seed = append(seed, y[:]...)

	need := 20 + 20 + 16 + 16 // Df + Db + Kf + Kb
	out := kdfTor(seed, need)

	km := &KeyMaterial{}
	copy(km.Df[:], out[0:20])
	copy(km.Db[:], out[20:40])
	copy(km.Kf[:], out[40:56])
	copy(km.Kb[:], out[56:72])
	return km
}

// kdfTor is the legacy Tor key-derivation function: SHA1(K0 || [i]) for
// i = 0, 1, 2, ... concatenated until at least n bytes are produced.
func kdfTor(k0 []byte, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	for i := byte(0); len(out) < n; i++ {
		h := sha1.New()
		h.Write(k0)
		h.Write([]byte{i})
		out = h.Sum(out)
	}
	return out[:n]
}
