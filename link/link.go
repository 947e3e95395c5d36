// Package link implements the Tor link protocol: the TLS-wrapped,
// cell-framed connection between two relays (or a client and a relay),
// covering version negotiation, the NETINFO handshake, circuit-id
// allocation discipline, and per-link cell filtering (spec.md §4.2, §4.6).
package link

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/torcore/relay/cell"
)

// Default TCP-dial and TLS-handshake deadlines, used when a caller doesn't
// supply its own (e.g. from a RelayContext).
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
)

// State is the link's position in the handshake lifecycle (spec.md §4.2).
type State int

const (
	StateHandshake State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "HANDSHAKE"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Link is an established (or establishing) Tor link connection: a TLS
// stream carrying cells in either direction, plus the negotiated version,
// peer identity, and circuit-id bookkeeping for that link.
type Link struct {
	conn    *tls.Conn
	counted *countingConn
	Decoder *cell.Decoder
	Writer  *cell.Writer

	Version            uint16
	State              State
	OurIdentityDigest  [20]byte
	PeerIdentityDigest [20]byte
	Canonical          bool

	CircIDs *circIDs

	Addr   string
	logger *slog.Logger
}

// countingConn wraps a net.Conn to track raw bytes moved, independent of
// the cell payload they carry (spec.md §4.6's byte-counter requirement).
type countingConn struct {
	net.Conn
	counters byteCounters
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.counters.addRead(n)
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.counters.addWritten(n)
	return n, err
}

// ByteCounters returns bytes read/written since the last call and resets
// the counters.
func (l *Link) ByteCounters() (read, written uint64) {
	return l.counted.counters.Sample()
}

// SetDeadline sets a deadline on the underlying connection.
func (l *Link) SetDeadline(t time.Time) error {
	return l.conn.SetDeadline(t)
}

// Close closes the underlying TLS connection and marks the link closed.
func (l *Link) Close() error {
	l.State = StateClosed
	return l.conn.Close()
}

// DialAndHandshake opens a TLS connection to addr and performs the
// originating side of the link handshake (spec.md §4.2): VERSIONS exchange,
// version negotiation, then a bidirectional NETINFO exchange before the
// link enters OPEN. cert is this relay's own self-signed link certificate;
// relay links are mutually authenticated, so the dialer presents one too.
func DialAndHandshake(addr string, cert tls.Certificate, logger *slog.Logger) (*Link, error) {
	return DialAndHandshakeWithTimeout(addr, cert, DefaultDialTimeout, DefaultHandshakeTimeout, logger)
}

// DialAndHandshakeWithTimeout is DialAndHandshake with explicit TCP-dial and
// handshake deadlines, e.g. from a caller's RelayContext rather than this
// package's defaults.
func DialAndHandshakeWithTimeout(addr string, cert tls.Certificate, dialTimeout, handshakeTimeout time.Duration, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("dialing link", "addr", addr)
	tcpConn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("link: tcp dial: %w", err)
	}

	tlsConn := tls.Client(tcpConn, clientTLSConfig(cert))
	l, err := handshake(tlsConn, addr, cert, handshakeTimeout, logger)
	if err != nil {
		_ = tcpConn.Close()
		return nil, err
	}
	return l, nil
}

// AcceptAndHandshake performs the accepting side of the link handshake over
// an already-accepted TCP connection, wrapping it in a server TLS conn
// using cert for the relay's own (self-signed) link certificate.
func AcceptAndHandshake(conn net.Conn, cert tls.Certificate, logger *slog.Logger) (*Link, error) {
	return AcceptAndHandshakeWithTimeout(conn, cert, DefaultHandshakeTimeout, logger)
}

// AcceptAndHandshakeWithTimeout is AcceptAndHandshake with an explicit
// handshake deadline.
func AcceptAndHandshakeWithTimeout(conn net.Conn, cert tls.Certificate, handshakeTimeout time.Duration, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConn := tls.Server(conn, serverTLSConfig(cert))
	addr := conn.RemoteAddr().String()
	l, err := handshake(tlsConn, addr, cert, handshakeTimeout, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return l, nil
}

func clientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Relay identity is established via the §4.6 fingerprint extraction,
		// not the TLS trust chain, so the usual hostname/CA checks don't apply.
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	}
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:           []tls.Certificate{cert},
		ClientAuth:             tls.RequireAnyClientCert,
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
		// crypto/tls honours Renegotiation only on client connections; a
		// server built from this config refuses every renegotiation, so link
		// certificates are not rotated on an established connection.
		Renegotiation: tls.RenegotiateFreelyAsClient,
	}
}

// handshake runs the version/NETINFO exchange common to both dial and
// accept paths once the TLS connection is established.
func handshake(tlsConn *tls.Conn, addr string, cert tls.Certificate, handshakeTimeout time.Duration, logger *slog.Logger) (*Link, error) {
	_ = tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("link: tls handshake: %w", err)
	}

	ourIdentityDigest, err := ownCertFingerprint(cert)
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}

	state := tlsConn.ConnectionState()
	peerDigest, err := peerIdentityFingerprint(state)
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}
	logger.Debug("peer identity fingerprint", "digest", fmt.Sprintf("%x", peerDigest))

	counted := &countingConn{Conn: tlsConn}
	br := bufio.NewReader(counted)
	dec := cell.NewDecoder(br)
	w := cell.NewWriter(counted)

	// Step 1: VERSIONS exchange, both directions.
	versionsOut := cell.NewVersionsCell(SupportedVersions)
	if err := w.WriteVarCell(versionsOut); err != nil {
		return nil, fmt.Errorf("link: send VERSIONS: %w", err)
	}

	peerVersions, err := readVersions(dec)
	if err != nil {
		return nil, fmt.Errorf("link: read VERSIONS: %w", err)
	}
	negotiated := negotiateVersion(SupportedVersions, peerVersions)
	if negotiated == 0 {
		return nil, fmt.Errorf("link: no common protocol version (peer offered %v)", peerVersions)
	}
	dec.Version = negotiated
	logger.Info("link version negotiated", "version", negotiated)

	ownHighBit := ownsHighBit(ourIdentityDigest, peerDigest)

	l := &Link{
		conn:               tlsConn,
		counted:            counted,
		Decoder:            dec,
		Writer:             w,
		Version:            negotiated,
		State:              StateHandshake,
		OurIdentityDigest:  ourIdentityDigest,
		PeerIdentityDigest: peerDigest,
		CircIDs:            newCircIDs(ownHighBit),
		Addr:               addr,
		logger:             logger,
	}

	// Step 2: NETINFO exchange, both directions.
	host, _, _ := net.SplitHostPort(addr)
	theirAddr := net.ParseIP(host)
	ourAddrs := localAddrs(tlsConn)

	ourNetInfo := buildNetInfo(netInfo{Timestamp: time.Now(), TheirAddr: theirAddr, OurAddrs: ourAddrs})
	outCell := cell.NewFixedCell(0, cell.CmdNetInfo)
	copy(outCell.Payload(), ourNetInfo)
	if err := w.WriteCell(outCell); err != nil {
		return nil, fmt.Errorf("link: send NETINFO: %w", err)
	}

	peerNetInfo, err := readNetInfoCell(dec, logger)
	if err != nil {
		return nil, fmt.Errorf("link: read NETINFO: %w", err)
	}
	checkClockSkew(peerNetInfo.Timestamp, logger)
	l.Canonical = listsOurAddr(peerNetInfo.OurAddrs, ourAddrs)

	l.State = StateOpen
	_ = tlsConn.SetDeadline(time.Time{})
	logger.Info("link open", "addr", addr, "canonical", l.Canonical)

	return l, nil
}

// readVersions consumes cells until it sees a VERSIONS var-cell, skipping
// PADDING as permitted by spec.md §4.2's HANDSHAKE-state filtering.
func readVersions(dec *cell.Decoder) ([]uint16, error) {
	for {
		c, err := dec.Decode()
		if err != nil {
			return nil, err
		}
		switch v := c.(type) {
		case cell.VarCell:
			if v.Command() != cell.CmdVersions {
				return nil, fmt.Errorf("expected VERSIONS, got command %d", v.Command())
			}
			return cell.ParseVersions(v.Payload()), nil
		case cell.Cell:
			if v.Command() == cell.CmdPadding {
				continue
			}
			return nil, fmt.Errorf("expected VERSIONS, got fixed command %d", v.Command())
		}
	}
}

func readNetInfoCell(dec *cell.Decoder, logger *slog.Logger) (netInfo, error) {
	for {
		c, err := dec.Decode()
		if err != nil {
			return netInfo{}, err
		}
		fc, ok := c.(cell.Cell)
		if !ok {
			return netInfo{}, fmt.Errorf("expected NETINFO, got variable-length cell")
		}
		switch fc.Command() {
		case cell.CmdPadding:
			continue
		case cell.CmdNetInfo:
			return parseNetInfo(fc.Payload())
		default:
			return netInfo{}, fmt.Errorf("expected NETINFO, got command %d", fc.Command())
		}
	}
}

func checkClockSkew(peerTime time.Time, logger *slog.Logger) {
	skew := time.Since(peerTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > time.Hour {
		// Persistent skew > 1h logs a diagnostic but never fails the
		// handshake (spec.md §4.2).
		logger.Warn("link clock skew exceeds 1h", "skew", skew)
	}
}

func listsOurAddr(peerSeen []net.IP, ours []net.IP) bool {
	for _, seen := range peerSeen {
		for _, own := range ours {
			if seen.Equal(own) {
				return true
			}
		}
	}
	return false
}

func localAddrs(conn net.Conn) []net.IP {
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return []net.IP{local.IP}
}

// AcceptsInHandshake reports whether cmd may be processed while the link is
// still in HANDSHAKE state: only VERSIONS, NETINFO, CREATE/CREATED and
// their _FAST variants; anything else is dropped (spec.md §4.2).
func AcceptsInHandshake(cmd uint8) bool {
	switch cmd {
	case cell.CmdVersions, cell.CmdNetInfo,
		cell.CmdCreate, cell.CmdCreated,
		cell.CmdCreateFast, cell.CmdCreatedFast:
		return true
	default:
		return false
	}
}

// RejectedWhenOpen reports whether cmd must be rejected once the link is
// OPEN: VERSIONS and NETINFO may only appear during HANDSHAKE.
func RejectedWhenOpen(cmd uint8) bool {
	return cmd == cell.CmdVersions || cmd == cell.CmdNetInfo
}

// ReadCell reads the next cell, filtering it according to the link's
// current state per spec.md §4.2. A cell filtered out during HANDSHAKE is
// dropped and the next cell is read; a dropped cell is never returned.
func (l *Link) ReadCell() (cell.Cell, error) {
	for {
		c, err := l.Decoder.Decode()
		if err != nil {
			if err == cell.ErrLinkClosed {
				l.State = StateClosed
			}
			return nil, err
		}
		fc, ok := c.(cell.Cell)
		if !ok {
			// A variable-length cell (VERSIONS) outside HANDSHAKE is a
			// protocol violation; during HANDSHAKE it's unexpected here
			// since version negotiation already completed in handshake().
			return nil, fmt.Errorf("link: unexpected variable-length cell, command %d", c.(cell.VarCell).Command())
		}
		switch l.State {
		case StateHandshake:
			if !AcceptsInHandshake(fc.Command()) {
				l.logger.Debug("dropping cell during handshake", "cmd", fc.Command())
				continue
			}
		case StateOpen:
			if RejectedWhenOpen(fc.Command()) {
				return nil, fmt.Errorf("link: VERSIONS/NETINFO rejected while OPEN")
			}
		case StateClosed:
			return nil, io.EOF
		}
		return fc, nil
	}
}
