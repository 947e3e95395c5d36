package main

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/torcore/relay/circuit"
	"github.com/torcore/relay/descriptor"
	"github.com/torcore/relay/directory"
	"github.com/torcore/relay/dispatcher"
	"github.com/torcore/relay/link"
	"github.com/torcore/relay/pathselect"
	"github.com/torcore/relay/relaycontext"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== torcore relay %s ===\n", Version)
	fmt.Println()

	cert, err := link.GenerateIdentityCert()
	if err != nil {
		fmt.Printf("failed to generate link identity cert: %v\n", err)
		os.Exit(1)
	}
	identity, err := newLocalIdentity(cert)
	if err != nil {
		fmt.Printf("failed to generate ntor identity: %v\n", err)
		os.Exit(1)
	}

	cache := &directory.Cache{Dir: directory.DefaultCacheDir(), Logger: logger}
	consensusText := loadOrFetchConsensus(cache, logger)
	keyCerts := loadOrFetchKeyCerts(cache, logger)
	consensus := validateAndParseConsensus(consensusText, keyCerts, cache, logger)
	populateMicrodescriptors(consensus, cache, logger)

	listenAddr := "127.0.0.1:9090"
	go runRelay(listenAddr, identity, cert, logger)

	fmt.Println("\nSelecting path and building circuit as origin...")
	circ, circLink := buildInitialCircuit(consensus, cert, logger)
	fmt.Printf("Circuit 0x%04x open; relay listening on %s for inbound links.\n", circ.ID, listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
	_ = circ.Destroy(circuit.ReasonNone)
	_ = circLink.Close()
}

// newLocalIdentity builds this process's own ntor onion-key material, used
// to answer inbound CREATE/CREATE_FAST cells when acting as a relay hop, and
// its node identity digest, the SHA-1 over its link certificate's public key
// (spec.md §4.6) — the same value a peer derives when it authenticates us.
// Real deployments persist this across restarts; this demo generates a
// fresh keypair per run.
func newLocalIdentity(cert tls.Certificate) (dispatcher.Identity, error) {
	if len(cert.Certificate) == 0 {
		return dispatcher.Identity{}, fmt.Errorf("local certificate has no leaf")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return dispatcher.Identity{}, fmt.Errorf("parse local certificate: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return dispatcher.Identity{}, fmt.Errorf("marshal local public key: %w", err)
	}
	nodeID := sha1.Sum(pub)

	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return dispatcher.Identity{}, fmt.Errorf("generate ntor secret: %w", err)
	}
	B, err := curve25519.X25519(b[:], curve25519.Basepoint)
	if err != nil {
		return dispatcher.Identity{}, fmt.Errorf("derive ntor public: %w", err)
	}
	var Bpub [32]byte
	copy(Bpub[:], B)
	return dispatcher.Identity{NodeID: nodeID, NtorSecret: b, NtorPublic: Bpub}, nil
}

// runRelay listens for inbound links and dispatches their cells. It is the
// responder/middle-relay half of this binary; buildInitialCircuit below
// demonstrates the origin half over the same descriptor and link packages.
func runRelay(addr string, identity dispatcher.Identity, cert tls.Certificate, logger *slog.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("relay: listen failed", "addr", addr, "error", err)
		return
	}
	defer func() { _ = ln.Close() }()

	ctx := relaycontext.Default()
	d := dispatcher.New(identity, dispatcher.DefaultDialer(cert, logger), logger)
	d.UseCryptoPool(circuit.NewCryptoWorkerPool(4))
	logger.Info("relay: listening", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Warn("relay: accept failed", "error", err)
			return
		}
		go func() {
			l, err := link.AcceptAndHandshakeWithTimeout(conn, cert, ctx.HandshakeTimeout, logger)
			if err != nil {
				logger.Warn("relay: inbound handshake failed", "error", err)
				return
			}
			if err := d.Serve(l); err != nil {
				logger.Info("relay: link closed", "addr", l.Addr, "error", err)
			}
		}()
	}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func loadOrFetchConsensus(cache *directory.Cache, logger *slog.Logger) string {
	if text, ok := cache.LoadConsensus(); ok {
		fmt.Println("Loaded consensus from cache")
		return text
	}
	fmt.Println("Fetching consensus from directory authorities...")
	text, err := directory.FetchConsensusContext(context.Background(), logger)
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Fetched consensus (%d bytes)\n", len(text))
	return text
}

func loadOrFetchKeyCerts(cache *directory.Cache, logger *slog.Logger) []directory.KeyCert {
	keyCerts, err := cache.LoadKeyCerts()
	if err == nil && len(keyCerts) > 0 {
		fmt.Printf("Loaded %d authority key certificates from cache\n", len(keyCerts))
		return keyCerts
	}
	fmt.Println("Fetching authority key certificates...")
	keyCerts, err = directory.FetchKeyCerts()
	if err != nil {
		fmt.Printf("  Warning: failed to fetch key certificates: %v\n", err)
		fmt.Println("  Falling back to structural signature validation")
		return nil
	}
	fmt.Printf("  Fetched %d authority key certificates\n", len(keyCerts))
	if err := cache.SaveKeyCerts(keyCerts); err != nil {
		logger.Warn("failed to cache key certs", "error", err)
	}
	return keyCerts
}

func validateAndParseConsensus(text string, keyCerts []directory.KeyCert, cache *directory.Cache, logger *slog.Logger) *directory.Consensus {
	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		fmt.Printf("  Signature validation failed: %v\n", err)
		os.Exit(1)
	}
	if len(keyCerts) > 0 {
		fmt.Println("  Consensus cryptographically verified (≥5 RSA signatures)")
	} else {
		fmt.Println("  Consensus structurally validated (≥5 authority signatures)")
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		fmt.Printf("  Parse failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Parsed: %d relays, valid until %s\n", len(consensus.Relays), consensus.ValidUntil.Format(time.RFC3339))

	if err := directory.ValidateFreshness(consensus); err != nil {
		fmt.Printf("  Consensus validation failed: %v\n", err)
		os.Exit(1)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}
	return consensus
}

func populateMicrodescriptors(consensus *directory.Consensus, cache *directory.Cache, logger *slog.Logger) {
	fmt.Println("Fetching microdescriptors...")
	var usefulRelays []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}
	fmt.Printf("  %d relays with useful flags\n", len(usefulRelays))

	cachedCount := cache.LoadMicrodescriptors(usefulRelays)
	if cachedCount > 0 {
		fmt.Printf("  Loaded %d relays from microdescriptor cache\n", cachedCount)
	}

	fetchMissingMicrodescriptors(usefulRelays, logger)

	ntorCount := countNtorKeys(usefulRelays)
	fmt.Printf("  %d relays with ntor keys\n", ntorCount)

	if err := cache.SaveMicrodescriptors(usefulRelays); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = usefulRelays
}

func fetchMissingMicrodescriptors(relays []directory.Relay, logger *slog.Logger) {
	needFetch := 0
	for _, r := range relays {
		if !r.HasNtorKey {
			needFetch++
		}
	}
	if needFetch == 0 {
		return
	}
	fmt.Printf("  Fetching microdescriptors for %d relays...\n", needFetch)
	for _, addr := range directory.DirAuthorities {
		if directory.UpdateRelaysWithMicrodescriptors(addr, relays) == nil {
			break
		}
		logger.Warn("microdesc fetch failed", "addr", addr)
	}
}

func countNtorKeys(relays []directory.Relay) int {
	count := 0
	for _, r := range relays {
		if r.HasNtorKey {
			count++
		}
	}
	return count
}

func buildInitialCircuit(consensus *directory.Consensus, cert tls.Certificate, logger *slog.Logger) (*circuit.Circuit, *link.Link) {
	for attempt := 0; attempt < 3; attempt++ {
		circ, l, err := tryBuildInitialCircuit(consensus, cert, logger)
		if err != nil {
			fmt.Printf("  Attempt %d failed: %v\n", attempt, err)
			continue
		}
		fmt.Printf("  3-hop circuit built! (ID: 0x%04x)\n", circ.ID)
		return circ, l
	}
	fmt.Println("\nFailed to build circuit after 3 attempts.")
	os.Exit(1)
	return nil, nil
}

func tryBuildInitialCircuit(consensus *directory.Consensus, cert tls.Certificate, logger *slog.Logger) (*circuit.Circuit, *link.Link, error) {
	path, err := pathselect.SelectPath(consensus, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("path selection: %w", err)
	}
	fmt.Printf("  Path: %s → %s → %s\n", path.Guard.Nickname, path.Middle.Nickname, path.Exit.Nickname)

	ctx := relaycontext.Default()
	l, err := link.DialAndHandshakeWithTimeout(fmt.Sprintf("%s:%d", path.Guard.Address, path.Guard.ORPort), cert, ctx.DialTimeout, ctx.HandshakeTimeout, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("guard connection: %w", err)
	}

	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	circ, err := circuit.Create(l, relayInfoFromConsensus(&path.Guard), logger)
	if err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("circuit create: %w", err)
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Middle), logger); err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("extend to middle: %w", err)
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Exit), logger); err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("extend to exit: %w", err)
	}

	_ = l.SetDeadline(time.Time{})
	return circ, l, nil
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
		Ed25519ID:    relay.Ed25519ID,
		HasEd25519:   relay.HasEd25519,
	}
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
