package ntor

import "testing"

func TestCreateFastRoundTrip(t *testing.T) {
	x, err := ClientFast()
	if err != nil {
		t.Fatalf("ClientFast: %v", err)
	}
	y, serverKM, err := ServerFast(x)
	if err != nil {
		t.Fatalf("ServerFast: %v", err)
	}
	clientKM := CompleteFast(x, y)

	if clientKM.Df != serverKM.Df || clientKM.Db != serverKM.Db {
		t.Fatal("digest seeds disagree")
	}
	if clientKM.Kf != serverKM.Kf || clientKM.Kb != serverKM.Kb {
		t.Fatal("cipher keys disagree")
	}
}

func TestKDFTorDeterministic(t *testing.T) {
	seed := []byte("fixed-test-seed")
	a := kdfTor(seed, 72)
	b := kdfTor(seed, 72)
	if string(a) != string(b) {
		t.Fatal("kdfTor not deterministic")
	}
	if len(a) != 72 {
		t.Fatalf("expected 72 bytes, got %d", len(a))
	}
}

func TestKDFTorMatchesWorkedExample(t *testing.T) {
	// spec.md worked example 2: x = 20 zero bytes, y = "B"*20.
	var x, y [CreateFastLen]byte
	for i := range y {
		y[i] = 'B'
	}
	km := CompleteFast(x, y)
	seed := append(append([]byte{}, x[:]...), y[:]...)
	want := kdfTor(seed, 72)
	if string(km.Df[:]) != string(want[0:20]) {
		t.Fatal("Df mismatch with direct KDF-TOR computation")
	}
	if string(km.Kf[:]) != string(want[40:56]) {
		t.Fatal("Kf mismatch with direct KDF-TOR computation")
	}
	if string(km.Kb[:]) != string(want[56:72]) {
		t.Fatal("Kb mismatch with direct KDF-TOR computation")
	}
}
