package domain

import "strconv"

// CompareRevisions orders two provider revision markers. It returns a
// negative value when a is older than b, zero when equal, positive when
// newer. Markers that parse as unsigned integers compare numerically;
// otherwise the comparison is lexicographic, which matches RFC 3339
// timestamps — the markers most providers emit.
//
// An empty marker is always older than a non-empty one, so a row that was
// bulk-synced before the provider started stamping revisions accepts the
// first stamped change it sees.
func CompareRevisions(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	default:
		return 1
	}
}

// RevisionNewerOrEqual reports whether incoming should be applied over
// stored under last-writer-wins-by-revision semantics.
func RevisionNewerOrEqual(incoming, stored string) bool {
	return CompareRevisions(incoming, stored) >= 0
}
