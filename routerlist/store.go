package routerlist

import (
	"fmt"
	"sort"
)

// Location records which backing byte range an Entry's descriptor text
// currently lives in (spec.md §4.5's saved_location/saved_offset pair).
type Location int

const (
	LocationNone Location = iota
	LocationJournal
	LocationStore
)

// RebuildThresholds are the three conditions spec.md §4.5 names for
// triggering a store rebuild, kept adjustable per SPEC_FULL.md §D.
type RebuildThresholds struct {
	JournalOverStoreFraction  float64
	DroppedOverStoreFraction  float64
	MinStoreBytes             int64
	MinJournalBytesWhenSmall  int64
}

// DefaultRebuildThresholds matches the literal values spec.md §4.5 states:
// journal or dropped bytes over half the store, or a small (<64KB) store
// once the journal passes 32KB.
func DefaultRebuildThresholds() RebuildThresholds {
	return RebuildThresholds{
		JournalOverStoreFraction: 0.5,
		DroppedOverStoreFraction: 0.5,
		MinStoreBytes:            64 * 1024,
		MinJournalBytesWhenSmall: 32 * 1024,
	}
}

// Store holds the journal (newly appended descriptor bodies) and the
// compacted store (the sorted, concatenated result of the last rebuild).
// Real persistence to disk is an external collaborator (the cache
// directory's job, per directory.Cache); Store keeps both byte ranges
// in memory so the rebuild invariant itself stays a pure, testable
// function of appends and rebuilds.
type Store struct {
	thresholds RebuildThresholds

	journal      []byte
	compacted    []byte
	droppedBytes int64
}

// NewStore creates an empty store using the given rebuild thresholds.
func NewStore(thresholds RebuildThresholds) *Store {
	return &Store{thresholds: thresholds}
}

// Append adds a descriptor's raw text to the journal and returns where it
// now lives.
func (s *Store) Append(text string) (Location, int64) {
	offset := int64(len(s.journal))
	s.journal = append(s.journal, []byte(text)...)
	return LocationJournal, offset
}

// NoteDropped records bytes freed by pruning, which counts toward the
// dropped-bytes rebuild threshold.
func (s *Store) NoteDropped(n int64) {
	s.droppedBytes += n
}

// NeedsRebuild reports whether any of spec.md §4.5's three rebuild
// conditions currently holds.
func (s *Store) NeedsRebuild() bool {
	storeBytes := int64(len(s.compacted))
	journalBytes := int64(len(s.journal))

	if storeBytes > 0 && float64(journalBytes) > float64(storeBytes)*s.thresholds.JournalOverStoreFraction {
		return true
	}
	if storeBytes > 0 && float64(s.droppedBytes) > float64(storeBytes)*s.thresholds.DroppedOverStoreFraction {
		return true
	}
	if storeBytes < s.thresholds.MinStoreBytes && journalBytes > s.thresholds.MinJournalBytesWhenSmall {
		return true
	}
	return false
}

// rebuildable is the minimal view Rebuild needs of a live descriptor entry.
type rebuildable interface {
	rebuildText() string
	rebuildPublishedUnix() int64
	setSavedLocation(Location, int64)
}

// Rebuild concatenates every live entry's descriptor text sorted by
// published time (for locality), replaces the compacted store atomically,
// truncates the journal, and rewrites each entry's saved location/offset to
// point into the new store (spec.md §4.5 "Journal & store rebuild").
func (s *Store) Rebuild(entries []rebuildable) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rebuildPublishedUnix() < entries[j].rebuildPublishedUnix()
	})

	var buf []byte
	for _, e := range entries {
		offset := int64(len(buf))
		buf = append(buf, []byte(e.rebuildText())...)
		e.setSavedLocation(LocationStore, offset)
	}
	s.compacted = buf
	s.journal = nil
	s.droppedBytes = 0
}

// Bytes returns the raw descriptor text recorded at a saved location,
// offset, and length — used to verify rebuild recoverability (spec.md §8).
func (s *Store) Bytes(loc Location, offset int64, length int) ([]byte, error) {
	var src []byte
	switch loc {
	case LocationJournal:
		src = s.journal
	case LocationStore:
		src = s.compacted
	default:
		return nil, fmt.Errorf("routerlist: unknown saved location %d", loc)
	}
	if offset < 0 || length < 0 || offset+int64(length) > int64(len(src)) {
		return nil, fmt.Errorf("routerlist: saved offset/length out of range")
	}
	return src[offset : offset+int64(length)], nil
}
