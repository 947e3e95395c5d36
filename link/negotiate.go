package link

// SupportedVersions are the link-protocol versions this relay offers in its
// own VERSIONS cell.
var SupportedVersions = []uint16{3, 4, 5}

// negotiateVersion picks the highest version present in both the local and
// peer version lists (spec.md §4.2 step 2). It returns 0 if the
// intersection is empty, meaning the link must be closed.
func negotiateVersion(ours, theirs []uint16) uint16 {
	offered := make(map[uint16]bool, len(ours))
	for _, v := range ours {
		offered[v] = true
	}
	var best uint16
	for _, v := range theirs {
		if offered[v] && v > best {
			best = v
		}
	}
	return best
}
