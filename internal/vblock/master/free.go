// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package master

import (
	"github.com/google/btree"
)

const (
	// Degree of the btree holding free extents.
	freeTreeDegree = 16
)

// freeSpace keeps free extents ordered by their first cluster. Adjacent free
// extents are always merged.
type freeSpace struct {
	tree  *btree.BTreeG[Extent]
	total uint32
}

func newFreeSpace() *freeSpace {
	return &freeSpace{
		tree: btree.NewG(freeTreeDegree, func(a, b Extent) bool {
			return a.Start < b.Start
		}),
	}
}

// Returns the extent to the free space. The range must not be free already.
func (f *freeSpace) release(e Extent) {
	if e.Length == 0 {
		return
	}

	f.total += e.Length

	var prev Extent
	var hasPrev bool
	f.tree.DescendLessOrEqual(Extent{Start: e.Start}, func(p Extent) bool {
		prev, hasPrev = p, true
		return false
	})

	if hasPrev && prev.End() == e.Start {
		f.tree.Delete(prev)
		e = Extent{Start: prev.Start, Length: prev.Length + e.Length}
	}

	if next, ok := f.tree.Get(Extent{Start: e.End()}); ok {
		f.tree.Delete(next)
		e.Length += next.Length
	}

	f.tree.ReplaceOrInsert(e)
}

// Takes n clusters from the free space. The first extent large enough to
// hold all of them is used. When there is none, the lowest free extents are
// consumed in address order. The caller guarantees that n clusters are free.
func (f *freeSpace) take(n uint32) []Extent {
	var fit Extent
	var found bool

	f.tree.Ascend(func(e Extent) bool {
		if e.Length >= n {
			fit, found = e, true
			return false
		}
		return true
	})

	if found {
		f.carve(fit, n)
		return []Extent{{Start: fit.Start, Length: n}}
	}

	var victims []Extent
	need := n
	f.tree.Ascend(func(e Extent) bool {
		victims = append(victims, e)
		if e.Length >= need {
			return false
		}
		need -= e.Length
		return true
	})

	extents := make([]Extent, 0, len(victims))
	need = n
	for _, e := range victims {
		l := e.Length
		if l > need {
			l = need
		}
		f.carve(e, l)
		extents = append(extents, Extent{Start: e.Start, Length: l})
		need -= l
	}

	return extents
}

// Removes the first n clusters of the free extent e.
func (f *freeSpace) carve(e Extent, n uint32) {
	f.tree.Delete(e)
	if n < e.Length {
		f.tree.ReplaceOrInsert(Extent{Start: e.Start + n, Length: e.Length - n})
	}
	f.total -= n
}

// Returns copy of all free extents in address order.
func (f *freeSpace) extents() []Extent {
	list := make([]Extent, 0, f.tree.Len())
	f.tree.Ascend(func(e Extent) bool {
		list = append(list, e)
		return true
	})

	return list
}
