package tableindex

import "golang.org/x/exp/constraints"

// inBounds reports whether k falls within [lo, hi], each side inclusive or
// exclusive per loInc/hiInc. Generic over any ordered integer so the same
// bound check serves UniqueDirectIndex's dense uint64 keys and any future
// numeric key representation without duplicating the four-way inclusive/
// exclusive comparison logic.
func inBounds[T constraints.Integer](k, lo, hi T, loInc, hiInc bool) bool {
	if loInc {
		if k < lo {
			return false
		}
	} else if k <= lo {
		return false
	}
	if hiInc {
		if k > hi {
			return false
		}
	} else if k >= hi {
		return false
	}
	return true
}
