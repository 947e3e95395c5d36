//go:build !debug

// Package bug reports internal invariant violations (spec.md §7): unlike a
// remotely-triggered error, these never come from untrusted input and
// should never happen. The release build (this file) logs and continues;
// build with -tags debug to panic instead.
package bug

import "log/slog"

// Assert logs and continues if cond is false. Never call this for a
// condition an attacker can trigger — use a normal error return for those.
func Assert(cond bool, msg string) {
	if cond {
		return
	}
	slog.Default().Error("internal invariant violated", "bug", msg)
}
