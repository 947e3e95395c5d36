package circuit

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/torcore/relay/link"
	"github.com/torcore/relay/ntor"
)

// CryptoRequest is a unit of onion-skin work submitted to a crypto worker
// pool (spec.md §5's "Onion-crypto worker hand-off", re-architected per
// the Design Notes as a typed work-queue): it carries a (link, circ-id)
// identity rather than a circuit pointer, so a circuit torn down between
// submission and completion can be detected and the reply discarded
// instead of dereferencing a stale pointer.
type CryptoRequest struct {
	LinkID uint64
	CircID uint16

	NodeID          [20]byte
	B               [32]byte // this relay's ntor public onion key
	Secret          [32]byte // this relay's ntor private onion key
	ClientHandshake [84]byte
}

// CryptoReply is a crypto worker's response to a CryptoRequest, keyed back
// to the same (link, circ-id) pair so the main loop can reassociate it even
// though workers may finish out of submission order (spec.md §5 ordering
// guarantee 3).
type CryptoReply struct {
	LinkID uint64
	CircID uint16

	Reply *ntor.ServerReply
	KM    *ntor.KeyMaterial
	Err   error
}

// CryptoWorkerPool runs onion-skin ntor handshakes on a fixed set of
// goroutines and delivers replies on a single channel, making onion-skin
// decryption the one genuinely parallel component in an otherwise
// single-threaded, cooperative event loop (spec.md §5, "Scheduling model").
type CryptoWorkerPool struct {
	requests chan CryptoRequest
	replies  chan CryptoReply
	wg       sync.WaitGroup
}

// NewCryptoWorkerPool starts n worker goroutines (n is floored to 1)
// pulling from a shared, buffered request queue.
func NewCryptoWorkerPool(n int) *CryptoWorkerPool {
	if n < 1 {
		n = 1
	}
	p := &CryptoWorkerPool{
		requests: make(chan CryptoRequest, n*4),
		replies:  make(chan CryptoReply, n*4),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

func (p *CryptoWorkerPool) run() {
	defer p.wg.Done()
	for req := range p.requests {
		reply, km, err := ntor.Respond(req.NodeID, req.Secret, req.B, req.ClientHandshake)
		if err != nil {
			err = fmt.Errorf("crypto worker: ntor respond: %w", err)
		}
		p.replies <- CryptoReply{LinkID: req.LinkID, CircID: req.CircID, Reply: reply, KM: km, Err: err}
	}
}

// Submit enqueues an onion-skin for processing. Blocks if the request
// queue is full, applying backpressure to the submitting main loop rather
// than growing an unbounded queue.
func (p *CryptoWorkerPool) Submit(req CryptoRequest) {
	p.requests <- req
}

// Replies returns the channel the main loop selects on to re-enter with
// completed onion-skin handshakes.
func (p *CryptoWorkerPool) Replies() <-chan CryptoReply {
	return p.replies
}

// Close stops accepting new work and waits for in-flight requests to
// finish. The replies channel is not closed until every worker has
// returned, so a final drain after Close sees every outstanding reply.
func (p *CryptoWorkerPool) Close() {
	close(p.requests)
	p.wg.Wait()
	close(p.replies)
}

// CompleteResponder finishes a CREATE handshake using a reply already
// computed by a CryptoWorkerPool, sending CREATED and returning the open
// circuit exactly as the synchronous CreateResponder path does. Callers
// (a dispatcher's main loop) discard the reply instead of calling this
// when the referenced circuit no longer exists.
func CompleteResponder(l *link.Link, circID uint16, reply *ntor.ServerReply, km *ntor.KeyMaterial, logger *slog.Logger) (*Circuit, error) {
	return completeResponder(l, circID, reply, km, logger)
}
