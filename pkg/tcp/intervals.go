package tcp

import "sort"

// interval is a half-open range [begin, end) of sequence numbers.
// Bounds are absolute sequence numbers compared as plain uint32 values,
// not with wrapped arithmetic; intervals that straddle the 2^32
// sequence-number wrap are not ordered correctly.
type interval struct {
	begin uint32
	end   uint32
}

// intervalSet tracks out-of-order arrivals as a set of non-overlapping,
// non-touching half-open intervals. Backed by a sorted slice: the corpus
// shows single-digit interval counts in practice, where a slice's
// locality beats a tree's pointer chasing, and no sorted-set library in
// the retrieval pack offers a merge-adjacent primitive.
type intervalSet struct {
	ivs []interval
}

// emplaceMerge inserts iv, coalescing with any interval it overlaps or
// touches, and returns the right endpoint of the resulting merged
// interval.
func (s *intervalSet) emplaceMerge(iv interval) uint32 {
	idx := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].begin >= iv.begin })

	begin, end := iv.begin, iv.end

	// Merge with the interval to the left, if touching or overlapping.
	if idx > 0 && s.ivs[idx-1].end >= begin {
		idx--
		if s.ivs[idx].begin < begin {
			begin = s.ivs[idx].begin
		}
		if s.ivs[idx].end > end {
			end = s.ivs[idx].end
		}
	}

	// Merge with every interval to the right that now overlaps or touches.
	j := idx
	for j < len(s.ivs) && s.ivs[j].begin <= end {
		if s.ivs[j].end > end {
			end = s.ivs[j].end
		}
		j++
	}

	merged := interval{begin: begin, end: end}
	s.ivs = append(s.ivs[:idx], append([]interval{merged}, s.ivs[j:]...)...)
	return end
}

// mergeRemove behaves like emplaceMerge but additionally deletes the
// resulting merged cluster from the set, returning its right endpoint.
// Used to compute the new RCV.NXT when an in-order write completes.
func (s *intervalSet) mergeRemove(iv interval) uint32 {
	end := s.emplaceMerge(iv)
	idx := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].begin >= iv.begin })
	if idx > 0 && s.ivs[idx-1].end >= iv.begin {
		idx--
	}
	if idx < len(s.ivs) && s.ivs[idx].end == end {
		s.ivs = append(s.ivs[:idx], s.ivs[idx+1:]...)
	}
	return end
}

// contiguousEnd returns the right endpoint of the interval containing at,
// or at itself if no interval contains it.
func (s *intervalSet) contiguousEnd(at uint32) uint32 {
	for _, iv := range s.ivs {
		if iv.begin <= at && at < iv.end {
			return iv.end
		}
	}
	return at
}
