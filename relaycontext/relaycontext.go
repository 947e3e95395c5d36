// Package relaycontext carries the handful of tunables the relay core
// itself needs, as plain struct fields with documented defaults. CLI/config
// file parsing is an external collaborator (spec.md §1); nothing in this
// package reads a flag, an environment variable, or a file.
package relaycontext

import (
	"time"

	"github.com/torcore/relay/link"
	"github.com/torcore/relay/routerlist"
)

// RelayContext bundles link-layer timeouts and descriptor-store rebuild
// thresholds. Zero-value fields are NOT safe defaults — use Default() to
// get one, then override only the fields a caller actually wants to change.
type RelayContext struct {
	// DialTimeout bounds the initial TCP connect when originating a link.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the TLS handshake plus VERSIONS/NETINFO
	// exchange, on both the dialing and accepting side.
	HandshakeTimeout time.Duration

	// StoreRebuild controls when a routerlist.Store compacts its journal
	// (spec.md §4.5).
	StoreRebuild routerlist.RebuildThresholds
}

// Default returns the tunables this package's callers use absent any
// override: link.DefaultDialTimeout/DefaultHandshakeTimeout and
// routerlist.DefaultRebuildThresholds.
func Default() RelayContext {
	return RelayContext{
		DialTimeout:      link.DefaultDialTimeout,
		HandshakeTimeout: link.DefaultHandshakeTimeout,
		StoreRebuild:     routerlist.DefaultRebuildThresholds(),
	}
}
