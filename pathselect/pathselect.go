// Package pathselect builds client-side guard/middle/exit circuits from a
// consensus. The exact selection policy is a client-side choice, not a
// protocol requirement — only the weighted-sampling mechanism
// routerlist.Pick also uses is load-bearing. This package supplements that
// mechanism with a default policy (flag constraints, /16 subnet and
// identity de-duplication, bandwidth-weight factors keyed off the
// consensus's bandwidth-weights line) so the client command has a path to
// build with; callers that want a different policy are free to filter the
// consensus before calling in, or to call WeightedRandom directly the way
// routerlist.Pick does.
package pathselect

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net"

	"github.com/torcore/relay/directory"
)

// MaxBelievableBandwidth caps a relay's self-reported bandwidth before it
// feeds into weighting, mirroring routerlist.MaxBelievableBandwidth — an
// uncapped self-reported value lets a lying relay buy an outsized share of
// every circuit built through this package.
const MaxBelievableBandwidth = 10 * 1000 * 1000

// Path represents a selected guard → middle → exit path.
type Path struct {
	Guard  directory.Relay
	Middle directory.Relay
	Exit   directory.Relay
}

// Exclude lists relay identities that must not be selected into a path,
// e.g. relays already used in the caller's other live circuits. A nil or
// empty Exclude excludes nothing.
type Exclude map[[20]byte]bool

// SelectPath selects a 3-hop path from the consensus using the default
// policy. Logger defaults to slog.Default() when nil; pass excl to keep the
// path disjoint from relays already in use elsewhere.
func SelectPath(consensus *directory.Consensus, excl Exclude, logger *slog.Logger) (*Path, error) {
	if logger == nil {
		logger = slog.Default()
	}

	exit, err := SelectExit(consensus, excl)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}

	guard, err := SelectGuard(consensus, exit, excl)
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}

	middle, err := SelectMiddle(consensus, guard, exit, excl)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	logger.Debug("pathselect: path built",
		"guard", guard.Nickname, "middle", middle.Nickname, "exit", exit.Nickname)
	return &Path{Guard: *guard, Middle: *middle, Exit: *exit}, nil
}

// SelectExit selects an exit relay with the Exit flag and no BadExit.
func SelectExit(consensus *directory.Consensus, excl Exclude) (*directory.Relay, error) {
	var candidates []directory.Relay
	var weights []int64

	wee := getWeight(consensus, "Wee", 10000)

	for _, r := range consensus.Relays {
		if !r.Flags.Exit || r.Flags.BadExit || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		if excl[r.Identity] {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, cappedBandwidth(r.Bandwidth)*wee/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable exit relays found")
	}

	idx, err := WeightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// SelectGuard selects a guard relay with Guard+Fast+Running flags, not in the same /16 as the exit.
func SelectGuard(consensus *directory.Consensus, exit *directory.Relay, excl Exclude) (*directory.Relay, error) {
	var candidates []directory.Relay
	var weights []int64

	wgg := getWeight(consensus, "Wgg", 10000)
	wgd := getWeight(consensus, "Wgd", 10000)
	exitSubnet := subnet16(exit.Address)

	for _, r := range consensus.Relays {
		if !r.Flags.Guard || !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		if excl[r.Identity] {
			continue
		}
		// Same /16 subnet check
		if subnet16(r.Address) == exitSubnet {
			continue
		}
		// Don't pick the same relay as exit
		if r.Identity == exit.Identity {
			continue
		}
		candidates = append(candidates, r)
		w := wgg
		if r.Flags.Exit {
			w = wgd
		}
		weights = append(weights, cappedBandwidth(r.Bandwidth)*w/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable guard relays found")
	}

	idx, err := WeightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// SelectMiddle selects a middle relay with Fast+Running flags, not in same /16 as guard or exit.
func SelectMiddle(consensus *directory.Consensus, guard, exit *directory.Relay, excl Exclude) (*directory.Relay, error) {
	var candidates []directory.Relay
	var weights []int64

	wmm := getWeight(consensus, "Wmm", 10000)
	wmg := getWeight(consensus, "Wmg", 10000)
	wme := getWeight(consensus, "Wme", 10000)
	wmd := getWeight(consensus, "Wmd", 10000)
	guardSubnet := subnet16(guard.Address)
	exitSubnet := subnet16(exit.Address)

	for _, r := range consensus.Relays {
		if !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		if excl[r.Identity] {
			continue
		}
		// Same /16 subnet check
		s := subnet16(r.Address)
		if s == guardSubnet || s == exitSubnet {
			continue
		}
		// Don't pick same relay
		if r.Identity == guard.Identity || r.Identity == exit.Identity {
			continue
		}
		candidates = append(candidates, r)
		w := wmm
		switch {
		case r.Flags.Guard && r.Flags.Exit:
			w = wmd
		case r.Flags.Guard:
			w = wmg
		case r.Flags.Exit:
			w = wme
		}
		weights = append(weights, cappedBandwidth(r.Bandwidth)*w/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable middle relays found")
	}

	idx, err := WeightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

func getWeight(c *directory.Consensus, key string, defaultVal int64) int64 {
	if v, ok := c.BandwidthWeights[key]; ok {
		return v
	}
	return defaultVal
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

// subnet16 returns the /16 prefix of an IPv4 address as a string.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// WeightedRandom selects an index proportional to the given weights using
// crypto/rand — the one piece of this package routerlist.Pick also calls
// directly as its shared selection primitive.
func WeightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty weights")
	}

	var total int64
	for _, w := range weights {
		if w < 0 {
			w = 0
		}
		total += w
	}

	if total <= 0 {
		// All zero weights — uniform random (unbiased)
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	// Generate random value in [0, total) without modulo bias
	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}

	return len(weights) - 1, nil
}
