// Package routerlist is the descriptor store (spec.md §4.5): insertion,
// journal/store-rebuild bookkeeping, pruning, combined-status majority
// voting, and the weighted selection primitive other components draw
// candidate routers from.
package routerlist

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/torcore/relay/descriptor"
)

// Entry wraps a parsed router descriptor with the store bookkeeping fields
// spec.md §4.5 names: where its bytes live, and the reachability state that
// survives a supersede when address and or-port are unchanged.
type Entry struct {
	Desc     *descriptor.RouterDescriptor
	FullText string

	SavedLocation Location
	SavedOffset   int64

	LastReachable               time.Time
	TestingSince                time.Time
	NumUnreachableNotifications int
}

func (e *Entry) rebuildText() string         { return e.FullText }
func (e *Entry) rebuildPublishedUnix() int64 { return e.Desc.Published.Unix() }
func (e *Entry) setSavedLocation(loc Location, off int64) {
	e.SavedLocation, e.SavedOffset = loc, off
}

// AddOutcome classifies the result of inserting a descriptor.
type AddOutcome int

const (
	Added AddOutcome = iota
	NotNew
	Rejected
)

// AddResult reports what Add did and whether the routerlist generator
// (e.g. a directory cache regenerating its own network-status) should be
// notified of a change.
type AddResult struct {
	Outcome         AddOutcome
	NotifyGenerator bool
}

// RouterList is the descriptor store: current descriptors keyed by relay
// identity, superseded copies retained for mirroring, and the cross-index
// maps spec.md §8's structural invariant requires to stay mutually
// consistent.
type RouterList struct {
	mu sync.Mutex

	routers    map[[20]byte]*Entry
	oldRouters map[[20]byte][]*Entry

	identityMap   map[[20]byte]*Entry
	descDigestMap map[[20]byte]*Entry
	descByEidMap  map[string]*Entry

	store *Store

	// ReferencedByStatus reports whether a descriptor digest is named by
	// any network-status newer than the pruning cutoff. The network-status
	// layer is an external collaborator to the descriptor store.
	ReferencedByStatus func(descDigest [20]byte) bool

	// IsCache controls whether a not-new descriptor that's merely older
	// than our current one is still journaled for possible mirroring
	// (spec.md §4.5 rule 2) — only directory caches do this.
	IsCache bool

	MaxDescriptorsPerRouter int
}

// New creates an empty routerlist backed by store (nil disables journaling,
// useful for tests that only exercise insertion/pruning logic).
// maxDescriptorsPerRouter is floored to 5 per spec.md §4.5's
// max(5, number-of-v2-authorities).
func New(store *Store, maxDescriptorsPerRouter int) *RouterList {
	if maxDescriptorsPerRouter < 5 {
		maxDescriptorsPerRouter = 5
	}
	return &RouterList{
		routers:                 make(map[[20]byte]*Entry),
		oldRouters:              make(map[[20]byte][]*Entry),
		identityMap:             make(map[[20]byte]*Entry),
		descDigestMap:           make(map[[20]byte]*Entry),
		descByEidMap:            make(map[string]*Entry),
		store:                   store,
		MaxDescriptorsPerRouter: maxDescriptorsPerRouter,
	}
}

// Add inserts a newly parsed router descriptor per spec.md §4.5's
// insertion rules: reject an already-seen digest or a descriptor older
// than our current one for the identity (journaling it anyway if we're a
// cache); stash fetched-but-unreferenced descriptors in old_routers only;
// otherwise replace the current entry, preserving reachability fields when
// address and or-port haven't changed.
func (rl *RouterList) Add(desc *descriptor.RouterDescriptor, fullText string, fromCache, fromFetch bool) (AddResult, error) {
	if desc == nil {
		return AddResult{}, fmt.Errorf("routerlist: nil descriptor")
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if _, ok := rl.descDigestMap[desc.DescDigest]; ok {
		return AddResult{Outcome: NotNew}, nil
	}

	current, haveCurrent := rl.routers[desc.IdentityDigest]
	if haveCurrent && !current.Desc.Published.Before(desc.Published) {
		if rl.IsCache && rl.store != nil {
			rl.store.Append(fullText)
		}
		return AddResult{Outcome: NotNew}, nil
	}

	if fromFetch && rl.ReferencedByStatus != nil && !rl.ReferencedByStatus(desc.DescDigest) {
		entry := rl.newEntry(desc, fullText)
		rl.oldRouters[desc.IdentityDigest] = append(rl.oldRouters[desc.IdentityDigest], entry)
		rl.indexEntry(entry)
		return AddResult{Outcome: Added}, nil
	}

	entry := rl.newEntry(desc, fullText)
	if haveCurrent {
		if current.Desc.Address == desc.Address && current.Desc.ORPort == desc.ORPort {
			entry.LastReachable = current.LastReachable
			entry.TestingSince = current.TestingSince
			entry.NumUnreachableNotifications = current.NumUnreachableNotifications
		}
		rl.oldRouters[desc.IdentityDigest] = append(rl.oldRouters[desc.IdentityDigest], current)
	}
	rl.routers[desc.IdentityDigest] = entry
	rl.indexEntry(entry)
	return AddResult{Outcome: Added, NotifyGenerator: true}, nil
}

func (rl *RouterList) newEntry(desc *descriptor.RouterDescriptor, fullText string) *Entry {
	e := &Entry{Desc: desc, FullText: fullText}
	if rl.store != nil {
		e.SavedLocation, e.SavedOffset = rl.store.Append(fullText)
	}
	return e
}

func (rl *RouterList) indexEntry(e *Entry) {
	rl.identityMap[e.Desc.IdentityDigest] = rl.routers[e.Desc.IdentityDigest]
	rl.descDigestMap[e.Desc.DescDigest] = e
	if e.Desc.ExtraInfoDigest != "" {
		rl.descByEidMap[e.Desc.ExtraInfoDigest] = e
	}
}

// MaybeRebuild rebuilds the descriptor store if spec.md §4.5's rebuild
// thresholds are crossed, rewriting every live entry's saved location to
// point into the freshly compacted store.
func (rl *RouterList) MaybeRebuild() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.store == nil || !rl.store.NeedsRebuild() {
		return
	}
	live := make([]rebuildable, 0, len(rl.descDigestMap))
	for _, e := range rl.routers {
		live = append(live, e)
	}
	for _, list := range rl.oldRouters {
		for _, e := range list {
			live = append(live, e)
		}
	}
	rl.store.Rebuild(live)
}

// Prune removes descriptors per spec.md §4.5: an old_routers entry older
// than maxOldAge and unreferenced by any recent network-status is
// forgotten; per identity at most MaxDescriptorsPerRouter old copies are
// kept, overflow trimmed oldest-published-first.
func (rl *RouterList) Prune(now time.Time, maxOldAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	referenced := func(e *Entry) bool {
		return rl.ReferencedByStatus != nil && rl.ReferencedByStatus(e.Desc.DescDigest)
	}

	for id, list := range rl.oldRouters {
		kept := list[:0:0]
		for _, e := range list {
			if now.Sub(e.Desc.Published) > maxOldAge && !referenced(e) {
				rl.forget(e)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) > rl.MaxDescriptorsPerRouter {
			kept = rl.trimOverflow(kept)
		}
		if len(kept) == 0 {
			delete(rl.oldRouters, id)
		} else {
			rl.oldRouters[id] = kept
		}
	}

	// A current (routers) entry is only "superseded" once Add has replaced
	// it, at which point it already moved to old_routers above; routers
	// itself never needs pruning here.
}

func (rl *RouterList) forget(e *Entry) {
	delete(rl.descDigestMap, e.Desc.DescDigest)
	if e.Desc.ExtraInfoDigest != "" {
		delete(rl.descByEidMap, e.Desc.ExtraInfoDigest)
	}
	if rl.store != nil {
		rl.store.NoteDropped(int64(len(e.FullText)))
	}
}

// trimOverflow drops entries beyond MaxDescriptorsPerRouter, oldest
// published time first (spec.md §4.5's "too-old-first" overflow rule).
func (rl *RouterList) trimOverflow(entries []*Entry) []*Entry {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Desc.Published.Before(entries[j].Desc.Published)
	})
	for len(entries) > rl.MaxDescriptorsPerRouter {
		rl.forget(entries[0])
		entries = entries[1:]
	}
	return entries
}

// validateStructure checks the routerlist's map/array consistency
// invariants from spec.md §8 (the routerlist_check_bug_417-style check,
// per SPEC_FULL.md §D(a)): every descriptor lives in exactly one of
// {routers, old_routers}, and identity_map/desc_digest_map/desc_by_eid_map
// agree with where it actually lives. Returns an error, never panics.
func (rl *RouterList) validateStructure() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	seen := map[[20]byte]int{}
	for id, e := range rl.routers {
		if e.Desc.IdentityDigest != id {
			return fmt.Errorf("routerlist: routers[%x] has mismatched identity digest", id)
		}
		seen[e.Desc.DescDigest]++
	}
	for id, list := range rl.oldRouters {
		for _, e := range list {
			if e.Desc.IdentityDigest != id {
				return fmt.Errorf("routerlist: old_routers[%x] has mismatched identity digest", id)
			}
			seen[e.Desc.DescDigest]++
		}
	}
	for digest, count := range seen {
		if count != 1 {
			return fmt.Errorf("routerlist: descriptor %x appears in %d places, want exactly one", digest, count)
		}
	}

	for id, e := range rl.identityMap {
		if rl.routers[id] != e {
			return fmt.Errorf("routerlist: identity_map[%x] does not match routers", id)
		}
	}
	for digest, e := range rl.descDigestMap {
		if e.Desc.DescDigest != digest {
			return fmt.Errorf("routerlist: desc_digest_map[%x] key/value mismatch", digest)
		}
	}
	for eid, e := range rl.descByEidMap {
		if e.Desc.ExtraInfoDigest != eid {
			return fmt.Errorf("routerlist: desc_by_eid_map[%s] key/value mismatch", eid)
		}
	}
	return nil
}

// Lookup returns the current entry for an identity, if any.
func (rl *RouterList) Lookup(identity [20]byte) (*Entry, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.routers[identity]
	return e, ok
}

// ByDescDigest returns the entry (current or old) holding this exact
// descriptor version, if any.
func (rl *RouterList) ByDescDigest(digest [20]byte) (*Entry, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.descDigestMap[digest]
	return e, ok
}

// Len returns the number of current descriptors held.
func (rl *RouterList) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.routers)
}
