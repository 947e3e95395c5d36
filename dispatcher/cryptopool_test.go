package dispatcher

import (
	"log/slog"
	"testing"
	"time"

	"github.com/torcore/relay/circuit"
	"github.com/torcore/relay/link"
)

func TestLinkIDStableAndDistinct(t *testing.T) {
	d := New(Identity{}, nil, slog.Default())
	a, b := &link.Link{}, &link.Link{}

	id1 := d.linkID(a)
	id2 := d.linkID(a)
	if id1 != id2 {
		t.Fatalf("linkID not stable across calls: %d vs %d", id1, id2)
	}

	id3 := d.linkID(b)
	if id3 == id1 {
		t.Fatalf("distinct links got the same id: %d", id3)
	}
}

func TestRunCryptoRepliesDiscardsUnknownLink(t *testing.T) {
	d := New(Identity{}, nil, slog.Default())
	pool := circuit.NewCryptoWorkerPool(1)

	done := make(chan struct{})
	go func() {
		d.runCryptoReplies(pool)
		close(done)
	}()

	// A reply for a link-id this dispatcher never assigned (no linkID call
	// happened) must be dropped without touching the circuit table or
	// calling into the (nil) link.
	pool.Submit(circuit.CryptoRequest{LinkID: 999, CircID: 1})

	pool.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runCryptoReplies did not return after pool closed")
	}

	d.mu.Lock()
	n := len(d.circuits)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("circuits table = %d entries, want 0", n)
	}
}
