package snapshot

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Normalize returns copies of a and b that share the same key set. A key
// missing from one side is filled with an entry that is absent on every
// backend, named after the side that has it.
func Normalize(a, b Snapshot) (Snapshot, Snapshot) {
	keysA := mapset.NewThreadUnsafeSetFromMapKeys(a)
	keysB := mapset.NewThreadUnsafeSetFromMapKeys(b)

	outA, outB := a.Clone(), b.Clone()
	for key := range keysA.Difference(keysB).Iter() {
		outB[key] = NewEntry(a[key].Name, a[key].Path)
	}
	for key := range keysB.Difference(keysA).Iter() {
		outA[key] = NewEntry(b[key].Name, b[key].Path)
	}
	return outA, outB
}
