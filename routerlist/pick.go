package routerlist

import (
	"fmt"

	"github.com/torcore/relay/descriptor"
	"github.com/torcore/relay/pathselect"
)

// MaxBelievableBandwidth caps the advertised bandwidth used for weighting
// (spec.md §4.5's selection primitive).
const MaxBelievableBandwidth = 10 * 1000 * 1000

// Constraints narrows Pick's candidate set, mirroring spec.md §4.5's
// selection-primitive constraint set.
type Constraints struct {
	NeedUptime    bool
	NeedCapacity  bool
	NeedGuard     bool
	AllowInvalid  bool
	MustBeRunning bool

	PreferredNodes   map[[20]byte]bool
	ExcludedNodes    map[[20]byte]bool
	ExcludedFamilies map[string]bool

	// WeightForExit selects for an exit position: exit-flagged candidates
	// are not penalised. Leave false when picking a non-exit position.
	WeightForExit bool
}

// StatusLookup resolves a relay's combined status for Pick's constraint and
// weighting checks.
type StatusLookup func(identity [20]byte) CombinedStatus

// Pick selects a router satisfying constraints, weighted proportionally to
// capped advertised bandwidth and an exit/non-exit scarcity factor that
// penalises picking exit-flagged nodes for non-exit positions when exit
// bandwidth is scarce (spec.md §4.5).
func (rl *RouterList) Pick(c Constraints, status StatusLookup) (*descriptor.RouterDescriptor, error) {
	rl.mu.Lock()
	all := make([]*Entry, 0, len(rl.routers))
	for _, e := range rl.routers {
		all = append(all, e)
	}
	rl.mu.Unlock()

	type candidate struct {
		entry  *Entry
		status CombinedStatus
	}
	var filtered []candidate
	for _, e := range all {
		var cs CombinedStatus
		if status != nil {
			cs = status(e.Desc.IdentityDigest)
		}
		if !matchesConstraints(e, c, cs) {
			continue
		}
		filtered = append(filtered, candidate{e, cs})
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("routerlist: no candidate satisfies constraints")
	}

	var exitBW, nonExitBW int64
	for _, cand := range filtered {
		bw := cappedBandwidth(cand.entry.Desc.BandwidthObserved)
		if cand.status.IsExit {
			exitBW += bw
		} else {
			nonExitBW += bw
		}
	}
	total := exitBW + nonExitBW

	weights := make([]int64, len(filtered))
	for i, cand := range filtered {
		bw := cappedBandwidth(cand.entry.Desc.BandwidthObserved)
		if cand.status.IsExit && !c.WeightForExit && total > 0 {
			bw = bw * nonExitBW / total
		}
		if c.PreferredNodes != nil && c.PreferredNodes[cand.entry.Desc.IdentityDigest] {
			bw *= 2
		}
		weights[i] = bw
	}

	idx, err := pathselect.WeightedRandom(weights)
	if err != nil {
		return nil, fmt.Errorf("routerlist: %w", err)
	}
	return filtered[idx].entry.Desc, nil
}

func matchesConstraints(e *Entry, c Constraints, cs CombinedStatus) bool {
	if c.ExcludedNodes != nil && c.ExcludedNodes[e.Desc.IdentityDigest] {
		return false
	}
	if c.ExcludedFamilies != nil {
		for _, f := range e.Desc.Family {
			if c.ExcludedFamilies[f] {
				return false
			}
		}
	}
	if c.MustBeRunning && !cs.IsRunning {
		return false
	}
	if !c.AllowInvalid && !cs.IsValid {
		return false
	}
	if c.NeedGuard && !cs.IsGuard {
		return false
	}
	if c.NeedUptime && e.Desc.Uptime <= 0 {
		return false
	}
	if c.NeedCapacity && e.Desc.BandwidthObserved <= 0 {
		return false
	}
	return true
}

func cappedBandwidth(bw int64) int64 {
	if bw > MaxBelievableBandwidth {
		return MaxBelievableBandwidth
	}
	if bw < 0 {
		return 0
	}
	return bw
}
