package leaderboard

import (
	"sort"

	"github.com/holiman/uint256"
)

// RankingStore keeps entries sorted by score, highest first. Entries with
// equal scores keep their submission order.
type RankingStore struct {
	entries  []RankingEntry
	capacity int
}

func newRankingStore(capacity int) *RankingStore {
	return &RankingStore{capacity: capacity}
}

// placement is the planned effect of inserting an entry.
type placement struct {
	entry    RankingEntry
	index    int
	retained bool
	evicted  *RankingEntry
}

// position returns the index a new entry with score would take: strictly
// after every entry whose score is greater than or equal to it.
func (s *RankingStore) position(score *uint256.Int) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Score.Lt(score)
	})
}

func (s *RankingStore) plan(entry RankingEntry) placement {
	p := placement{entry: entry, index: s.position(&entry.Score), retained: true}
	if s.capacity == 0 || len(s.entries) < s.capacity {
		return p
	}
	if p.index >= s.capacity {
		p.index = s.capacity
		p.retained = false
		return p
	}
	last := s.entries[len(s.entries)-1]
	p.evicted = &last
	return p
}

func (s *RankingStore) apply(p placement) {
	if !p.retained {
		return
	}
	if p.evicted != nil {
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, RankingEntry{})
	copy(s.entries[p.index+1:], s.entries[p.index:])
	s.entries[p.index] = p.entry
}

// Insert adds entry and returns the index it was placed at. The boolean is
// false when the ranking is full and the entry ranks below every row.
func (s *RankingStore) Insert(entry RankingEntry) (int, bool) {
	p := s.plan(entry)
	s.apply(p)
	return p.index, p.retained
}

// At returns the entry at index i.
func (s *RankingStore) At(i int) (RankingEntry, bool) {
	if i < 0 || i >= len(s.entries) {
		return RankingEntry{}, false
	}
	return s.entries[i], true
}

// Top returns a copy of the first k entries, or all of them when fewer exist.
func (s *RankingStore) Top(k int) []RankingEntry {
	if k < 0 {
		k = 0
	}
	if k > len(s.entries) {
		k = len(s.entries)
	}
	return append([]RankingEntry(nil), s.entries[:k]...)
}

// Len returns the number of retained entries.
func (s *RankingStore) Len() int { return len(s.entries) }

// Capacity returns the configured bound; zero means unbounded.
func (s *RankingStore) Capacity() int { return s.capacity }
