// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT
package reftable

import "container/heap"

// mergedEntry pairs a record with the index of the table it came from;
// tableIndex increases with recency (table 0 is the oldest table in the
// stack), so on a key tie the newest table wins (§4.7, §8 property 3).
type mergedEntry struct {
	rec        Record
	tableIndex int
	source     *tableIter
}

type mergedHeap []*mergedEntry

func (h mergedHeap) Len() int { return len(h) }
func (h mergedHeap) Less(i, j int) bool {
	c := bytesCompare(h[i].rec.Key(), h[j].rec.Key())
	if c != 0 {
		return c < 0
	}
	// Newer table (higher index) sorts first on a tie so Next() can
	// discard the shadowed older entries right after it.
	return h[i].tableIndex > h[j].tableIndex
}
func (h mergedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergedHeap) Push(x any)        { *h = append(*h, x.(*mergedEntry)) }
func (h *mergedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// MergedIterator walks the union of every table in a stack in key order,
// newest-table-wins on ties, suppressing tombstones as it goes (§4.7, §8
// property 3). Callers that need to see tombstones (compaction) use
// NextIncludeTombstones.
type MergedIterator struct {
	h *mergedHeap
}

// newMergedIterator builds a merged view over iters, where iters[i] belongs
// to the i-th oldest table.
func newMergedIterator(iters []*tableIter) (*MergedIterator, error) {
	h := &mergedHeap{}
	heap.Init(h)
	for i, it := range iters {
		if err := pushNext(h, it, i); err != nil {
			return nil, err
		}
	}
	return &MergedIterator{h: h}, nil
}

func pushNext(h *mergedHeap, it *tableIter, tableIndex int) error {
	rec, err := it.Next()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	heap.Push(h, &mergedEntry{rec: rec, tableIndex: tableIndex, source: it})
	return nil
}

// NextIncludeTombstones returns the next record in key order across every
// table, including deletion tombstones and without collapsing key ties —
// used by compaction, which must see every table's view to rebuild
// correctly.
func (m *MergedIterator) NextIncludeTombstones() (Record, error) {
	if m.h.Len() == 0 {
		return nil, nil
	}
	top := heap.Pop(m.h).(*mergedEntry)
	if err := pushNext(m.h, top.source, top.tableIndex); err != nil {
		return nil, err
	}
	return top.rec, nil
}

// Next returns the next record in key order, newest table wins on a tie,
// and tombstones are skipped entirely — the externally visible "what does
// this stack currently say" view (§4.7).
func (m *MergedIterator) Next() (Record, error) {
	for {
		rec, err := m.NextIncludeTombstones()
		if err != nil || rec == nil {
			return rec, err
		}
		// Drop any older entries shadowed by this key.
		for m.h.Len() > 0 && bytesCompare((*m.h)[0].rec.Key(), rec.Key()) == 0 {
			shadowed := heap.Pop(m.h).(*mergedEntry)
			if err := pushNext(m.h, shadowed.source, shadowed.tableIndex); err != nil {
				return nil, err
			}
		}
		if rec.IsDeletion() {
			continue
		}
		return rec, nil
	}
}
