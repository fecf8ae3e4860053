package ofp4sw

import (
	"encoding/binary"
	"hash/fnv"
	"math/bits"
	"sort"
	"sync"

	"github.com/hkwi/ofpipe/oxm"
	"github.com/pkg/errors"
)

/*
MatchStrategy orders the entries of one flow table and answers best match
queries. Insert, Remove and Replace are called with the table's exclusive
lock held; Lookup, Each and Len may run concurrently with each other.

Entries are ordered by priority, higher first, then by insertion sequence.
*/
type MatchStrategy interface {
	Insert(e *FlowEntry)
	Remove(e *FlowEntry)
	// Replace puts n at the position of o. Both share priority and sequence.
	Replace(o, n *FlowEntry)
	Lookup(f *Frame) *FlowEntry
	// Each visits entries in order until fn returns false.
	Each(fn func(*FlowEntry) bool)
	Len() int
}

type StrategyFactory func() MatchStrategy

var strategies = struct {
	sync.RWMutex
	m map[string]StrategyFactory
}{
	m: map[string]StrategyFactory{
		"loop": func() MatchStrategy { return &loopStrategy{} },
		"hash": func() MatchStrategy { return &hashStrategy{} },
	},
}

// RegisterStrategy makes a strategy available to NewPipeline by name.
func RegisterStrategy(name string, factory StrategyFactory) {
	strategies.Lock()
	defer strategies.Unlock()
	strategies.m[name] = factory
}

func newStrategy(name string) (MatchStrategy, error) {
	strategies.RLock()
	defer strategies.RUnlock()
	if factory, ok := strategies.m[name]; ok {
		return factory(), nil
	}
	return nil, errors.Errorf("unknown match strategy %q", name)
}

func entryBefore(a, b *FlowEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// loopStrategy is the reference: one sorted slice, scanned linearly.
type loopStrategy struct {
	entries []*FlowEntry
}

func (s *loopStrategy) search(e *FlowEntry) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return !entryBefore(s.entries[i], e)
	})
}

func (s *loopStrategy) Insert(e *FlowEntry) {
	i := s.search(e)
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func (s *loopStrategy) Remove(e *FlowEntry) {
	i := s.search(e)
	if i < len(s.entries) && s.entries[i] == e {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
}

func (s *loopStrategy) Replace(o, n *FlowEntry) {
	i := s.search(o)
	if i < len(s.entries) && s.entries[i] == o {
		s.entries[i] = n
	}
}

func (s *loopStrategy) Lookup(f *Frame) *FlowEntry {
	for _, e := range s.entries {
		if e.match.Matches(f) {
			return e
		}
	}
	return nil
}

func (s *loopStrategy) Each(fn func(*FlowEntry) bool) {
	for _, e := range s.entries {
		if !fn(e) {
			return
		}
	}
}

func (s *loopStrategy) Len() int {
	return len(s.entries)
}

/*
hashStrategy groups entries by priority. Inside a priority, the mask
common to every entry selects a hash bucket, so a lookup only scans the
entries that agree with the frame on the common bits. cover is the most
specific match covering every entry of the level and lets a lookup skip
whole levels.
*/
type hashStrategy struct {
	levels []*flowPriority
	count  int
}

type flowPriority struct {
	priority uint16
	entries  []*FlowEntry // insertion order
	hash     Match        // mask common to all entries in this priority
	cover    Match
	buckets  map[uint64][]*FlowEntry
}

func (s *hashStrategy) level(priority uint16, create bool) (int, *flowPriority) {
	i := sort.Search(len(s.levels), func(k int) bool {
		return s.levels[k].priority <= priority // descending order
	})
	if i < len(s.levels) && s.levels[i].priority == priority {
		return i, s.levels[i]
	}
	if !create {
		return i, nil
	}
	prio := &flowPriority{priority: priority}
	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = prio
	return i, prio
}

func (s *hashStrategy) Insert(e *FlowEntry) {
	_, prio := s.level(e.priority, true)
	i := sort.Search(len(prio.entries), func(k int) bool {
		return prio.entries[k].seq > e.seq
	})
	prio.entries = append(prio.entries, nil)
	copy(prio.entries[i+1:], prio.entries[i:])
	prio.entries[i] = e
	prio.rebuildIndex()
	s.count++
}

func (s *hashStrategy) Remove(e *FlowEntry) {
	i, prio := s.level(e.priority, false)
	if prio == nil {
		return
	}
	for k, x := range prio.entries {
		if x == e {
			prio.entries = append(prio.entries[:k], prio.entries[k+1:]...)
			s.count--
			break
		}
	}
	if len(prio.entries) == 0 {
		s.levels = append(s.levels[:i], s.levels[i+1:]...)
		return
	}
	prio.rebuildIndex()
}

func (s *hashStrategy) Replace(o, n *FlowEntry) {
	_, prio := s.level(o.priority, false)
	if prio == nil {
		return
	}
	for k, x := range prio.entries {
		if x == o {
			prio.entries[k] = n
			prio.rebuildIndex()
			return
		}
	}
}

func (s *hashStrategy) Lookup(f *Frame) *FlowEntry {
	for _, prio := range s.levels {
		if !prio.cover.Matches(f) {
			continue
		}
		key, ok := prio.hash.key(&prio.hash, f)
		if !ok {
			continue
		}
		for _, e := range prio.buckets[key] {
			if e.match.Matches(f) {
				return e
			}
		}
	}
	return nil
}

func (s *hashStrategy) Each(fn func(*FlowEntry) bool) {
	for _, prio := range s.levels {
		for _, e := range prio.entries {
			if !fn(e) {
				return
			}
		}
	}
}

func (s *hashStrategy) Len() int {
	return s.count
}

/* invoke this method inside the table's exclusive section. */
func (prio *flowPriority) rebuildIndex() {
	var hash, cover Match
	for i, e := range prio.entries {
		if i == 0 {
			hash = e.match
			cover = e.match
		} else {
			hash = hash.commonMask(&e.match)
			cover = cover.Generalize(&e.match)
		}
	}
	buckets := make(map[uint64][]*FlowEntry)
	for _, e := range prio.entries {
		key, _ := hash.key(&e.match, nil)
		buckets[key] = append(buckets[key], e)
	}
	prio.hash = hash
	prio.cover = cover
	prio.buckets = buckets
}

// commonMask keeps the fields present in both matches, with the
// intersection of their masks. Only the mask of the result is meaningful.
func (m *Match) commonMask(o *Match) Match {
	var ret Match
	for rest := uint64(m.present & o.present); rest != 0; rest &= rest - 1 {
		field := oxm.Field(bits.TrailingZeros64(rest))
		mask := m.fields[field].Mask.And(o.fields[field].Mask)
		ret.set(field, oxm.ValueMask{Mask: mask})
	}
	return ret
}

// key hashes the values of src (or of frame f when not nil) under the
// masks of m. The second result is false when f lacks a hashed field.
func (m *Match) key(src *Match, f *Frame) (uint64, bool) {
	h := fnv.New64a()
	var buf [17]byte
	for rest := uint64(m.present); rest != 0; rest &= rest - 1 {
		field := oxm.Field(bits.TrailingZeros64(rest))
		var v oxm.Value
		if f != nil {
			fv, ok := f.fields.Get(field)
			if !ok {
				return 0, false
			}
			v = fv
		} else {
			v = src.fields[field].Value
		}
		v = v.And(m.fields[field].Mask)
		buf[0] = byte(field)
		binary.BigEndian.PutUint64(buf[1:9], v.Hi)
		binary.BigEndian.PutUint64(buf[9:], v.Lo)
		h.Write(buf[:])
	}
	return h.Sum64(), true
}
