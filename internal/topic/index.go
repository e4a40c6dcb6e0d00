package topic

import (
	"cmp"
	"slices"
	"sort"
)

// Index maps timestamps to the record indices stamped with them. Keys are
// strictly increasing; records sharing a timestamp keep ascending record
// order. An Index is immutable once built.
type Index struct {
	keys    []int64
	groups  [][]uint64
	records int
}

// NewIndex builds the index for a timestamp array where timestamps[i] is
// the time of record i.
func NewIndex(timestamps []int64) *Index {
	order := make([]uint64, len(timestamps))
	for i := range order {
		order[i] = uint64(i)
	}
	// Stable, so ties stay in record order.
	slices.SortStableFunc(order, func(a, b uint64) int {
		return cmp.Compare(timestamps[a], timestamps[b])
	})

	idx := &Index{records: len(timestamps)}
	for _, rec := range order {
		ts := timestamps[rec]
		if n := len(idx.keys); n > 0 && idx.keys[n-1] == ts {
			idx.groups[n-1] = append(idx.groups[n-1], rec)
			continue
		}
		idx.keys = append(idx.keys, ts)
		idx.groups = append(idx.groups, []uint64{rec})
	}
	return idx
}

// Len is the number of distinct timestamps.
func (x *Index) Len() int { return len(x.keys) }

// Records is the number of records indexed.
func (x *Index) Records() int { return x.records }

func (x *Index) Min() (int64, bool) {
	if len(x.keys) == 0 {
		return 0, false
	}
	return x.keys[0], true
}

func (x *Index) Max() (int64, bool) {
	if len(x.keys) == 0 {
		return 0, false
	}
	return x.keys[len(x.keys)-1], true
}

// lowerBound returns the position of the first key >= t.
func (x *Index) lowerBound(t int64) int {
	return sort.Search(len(x.keys), func(i int) bool { return x.keys[i] >= t })
}

// Range calls fn for each key in [start, end) in ascending order until fn
// returns false. The record slice must not be modified.
func (x *Index) Range(start, end int64, fn func(ts int64, records []uint64) bool) {
	for i := x.lowerBound(start); i < len(x.keys) && x.keys[i] < end; i++ {
		if !fn(x.keys[i], x.groups[i]) {
			return
		}
	}
}

// FirstAtOrAfter returns the smallest key >= t.
func (x *Index) FirstAtOrAfter(t int64) (int64, bool) {
	i := x.lowerBound(t)
	if i == len(x.keys) {
		return 0, false
	}
	return x.keys[i], true
}

// LatestAtOrBefore returns the greatest key <= t and its records.
func (x *Index) LatestAtOrBefore(t int64) (int64, []uint64, bool) {
	i := sort.Search(len(x.keys), func(i int) bool { return x.keys[i] > t }) - 1
	if i < 0 {
		return 0, nil, false
	}
	return x.keys[i], x.groups[i], true
}

// Keys returns a copy of the distinct timestamps.
func (x *Index) Keys() []int64 {
	return slices.Clone(x.keys)
}
