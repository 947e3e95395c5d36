package relaycontext

import (
	"testing"

	"github.com/torcore/relay/link"
	"github.com/torcore/relay/routerlist"
)

func TestDefaultMatchesUnderlyingPackageDefaults(t *testing.T) {
	ctx := Default()

	if ctx.DialTimeout != link.DefaultDialTimeout {
		t.Errorf("DialTimeout = %v, want %v", ctx.DialTimeout, link.DefaultDialTimeout)
	}
	if ctx.HandshakeTimeout != link.DefaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v, want %v", ctx.HandshakeTimeout, link.DefaultHandshakeTimeout)
	}
	if ctx.StoreRebuild != routerlist.DefaultRebuildThresholds() {
		t.Errorf("StoreRebuild = %+v, want %+v", ctx.StoreRebuild, routerlist.DefaultRebuildThresholds())
	}
}

func TestDefaultIsOverridable(t *testing.T) {
	ctx := Default()
	ctx.DialTimeout = 0

	fresh := Default()
	if fresh.DialTimeout != link.DefaultDialTimeout {
		t.Fatalf("mutating one RelayContext value must not affect a freshly constructed one")
	}
}
