package cache

import "slices"

// idSet is a small sorted set of ids.
type idSet []uint64

func (s *idSet) add(id uint64) bool {
	i, found := slices.BinarySearch(*s, id)
	if found {
		return false
	}
	*s = slices.Insert(*s, i, id)
	return true
}

func (s *idSet) remove(id uint64) bool {
	i, found := slices.BinarySearch(*s, id)
	if !found {
		return false
	}
	*s = slices.Delete(*s, i, i+1)
	return true
}

func (s idSet) has(id uint64) bool {
	_, found := slices.BinarySearch(s, id)
	return found
}

func (s idSet) clone() []uint64 {
	if len(s) == 0 {
		return nil
	}
	return slices.Clone([]uint64(s))
}

func setOf(ids []uint64) idSet {
	var s idSet
	for _, id := range ids {
		if id != 0 {
			s.add(id)
		}
	}
	return s
}
