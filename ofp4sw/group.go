package ofp4sw

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkwi/ofpipe/oxm"
	"github.com/sirupsen/logrus"
)

const (
	OFPG_MAX = 0xffffff00
	OFPG_ALL = 0xfffffffc
	OFPG_ANY = 0xffffffff
)

// GroupType is an OFPGT_* group type.
type GroupType uint8

const (
	OFPGT_ALL GroupType = iota
	OFPGT_SELECT
	OFPGT_INDIRECT
	OFPGT_FF
)

var groupTypeNames = [...]string{"all", "select", "indirect", "ff"}

func (t GroupType) String() string {
	if int(t) < len(groupTypeNames) {
		return groupTypeNames[t]
	}
	return fmt.Sprintf("grouptype(%d)", uint8(t))
}

func ParseGroupType(s string) (GroupType, error) {
	for i, name := range groupTypeNames {
		if name == s {
			return GroupType(i), nil
		}
	}
	if s == "fast_failover" {
		return OFPGT_FF, nil
	}
	return 0, fmt.Errorf("unknown group type %q", s)
}

// Bucket is one action list of a group. WatchPort and WatchGroup are used
// by fast-failover groups; OFPP_ANY, OFPG_ANY or zero mean unset.
type Bucket struct {
	Weight     uint16
	WatchPort  uint32
	WatchGroup uint32
	Actions    ActionList
}

func (b Bucket) watchesPort() bool {
	return b.WatchPort != oxm.OFPP_ANY && b.WatchPort != 0
}

func (b Bucket) watchesGroup() bool {
	return b.WatchGroup != OFPG_ANY && b.WatchGroup != 0
}

// GroupMod is the request of a group add or modify.
type GroupMod struct {
	GroupId uint32
	Type    GroupType
	Buckets []Bucket
}

type bucket struct {
	Bucket
	packetCount atomic.Uint64
	byteCount   atomic.Uint64
}

// groupState is swapped as a whole by modify.
type groupState struct {
	groupType GroupType
	buckets   []*bucket
	outputs   int
}

type flowRef struct {
	tableId uint8
	seq     uint64
}

type group struct {
	groupId     uint32
	created     time.Time
	state       atomic.Pointer[groupState]
	packetCount atomic.Uint64
	byteCount   atomic.Uint64

	lock sync.Mutex // for refs
	refs map[flowRef]struct{}
}

func newGroupState(req GroupMod) *groupState {
	st := &groupState{groupType: req.Type}
	for _, b := range req.Buckets {
		st.buckets = append(st.buckets, &bucket{Bucket: b})
		st.outputs += b.Actions.outputCount()
	}
	return st
}

func (g *group) addRef(ref flowRef) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.refs[ref] = struct{}{}
}

func (g *group) removeRef(ref flowRef) {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.refs, ref)
}

// referrers returns the referencing entries grouped by table.
func (g *group) referrers() map[uint8][]uint64 {
	g.lock.Lock()
	defer g.lock.Unlock()
	ret := make(map[uint8][]uint64)
	for ref := range g.refs {
		ret[ref.tableId] = append(ret[ref.tableId], ref.seq)
	}
	return ret
}

func (g *group) refCount() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.refs)
}

// BucketStats is a snapshot of bucket counters.
type BucketStats struct {
	Bucket
	PacketCount uint64
	ByteCount   uint64
}

// GroupStats is a snapshot of a group.
type GroupStats struct {
	GroupId     uint32
	Type        GroupType
	RefCount    int
	PacketCount uint64
	ByteCount   uint64
	Duration    time.Duration
	OutputCount int
	Buckets     []BucketStats
}

func (g *group) stats(now time.Time) GroupStats {
	st := g.state.Load()
	ret := GroupStats{
		GroupId:     g.groupId,
		Type:        st.groupType,
		RefCount:    g.refCount(),
		PacketCount: g.packetCount.Load(),
		ByteCount:   g.byteCount.Load(),
		Duration:    now.Sub(g.created),
		OutputCount: st.outputs,
	}
	for _, b := range st.buckets {
		ret.Buckets = append(ret.Buckets, BucketStats{
			Bucket:      b.Bucket,
			PacketCount: b.packetCount.Load(),
			ByteCount:   b.byteCount.Load(),
		})
	}
	return ret
}

type groupTable struct {
	lock     sync.RWMutex // for groups and features
	groups   map[uint32]*group
	features GroupFeatures
	portLive func(uint32) bool
	log      *logrus.Entry
}

func newGroupTable(features GroupFeatures, portLive func(uint32) bool, log *logrus.Entry) *groupTable {
	return &groupTable{
		groups:   make(map[uint32]*group),
		features: features,
		portLive: portLive,
		log:      log,
	}
}

// validate checks a group mod. Invoke inside either section.
func (gt *groupTable) validate(req GroupMod) error {
	if req.GroupId > OFPG_MAX {
		return validationError(OFPET_GROUP_MOD_FAILED, OFPGMFC_INVALID_GROUP, "reserved group id 0x%x", req.GroupId)
	}
	if !gt.features.Types.Has(req.Type) {
		return validationError(OFPET_GROUP_MOD_FAILED, OFPGMFC_BAD_TYPE, "group type %v not supported", req.Type)
	}
	caps := actionCaps{
		types:    gt.features.Actions,
		setfield: gt.features.Setfield,
	}
	for i, b := range req.Buckets {
		if err := b.Actions.validate(caps); err != nil {
			return err
		}
		switch req.Type {
		case OFPGT_ALL, OFPGT_INDIRECT:
			if b.Weight != 0 {
				return validationError(OFPET_GROUP_MOD_FAILED, OFPGMFC_WEIGHT_UNSUPPORTED, "bucket %d has weight %d", i, b.Weight)
			}
		case OFPGT_FF:
			if !b.watchesPort() && !b.watchesGroup() {
				return validationError(OFPET_GROUP_MOD_FAILED, OFPGMFC_BAD_WATCH, "bucket %d watches nothing", i)
			}
			if b.watchesGroup() && b.WatchGroup == req.GroupId {
				return validationError(OFPET_GROUP_MOD_FAILED, OFPGMFC_LOOP, "bucket %d watches its own group", i)
			}
		}
	}
	switch req.Type {
	case OFPGT_INDIRECT:
		if len(req.Buckets) != 1 {
			return validationError(OFPET_GROUP_MOD_FAILED, OFPGMFC_BAD_BUCKET, "indirect group with %d buckets", len(req.Buckets))
		}
	case OFPGT_SELECT:
		total := 0
		for _, b := range req.Buckets {
			total += int(b.Weight)
		}
		if len(req.Buckets) > 0 && total == 0 {
			return validationError(OFPET_GROUP_MOD_FAILED, OFPGMFC_WEIGHT_UNSUPPORTED, "select group without weight")
		}
	}
	return nil
}

/* invoke this method inside the group table's exclusive section. */
func (gt *groupTable) add(req GroupMod, now time.Time) error {
	if _, exists := gt.groups[req.GroupId]; exists {
		return newError(ConflictError, OFPET_GROUP_MOD_FAILED, OFPGMFC_GROUP_EXISTS, "group %d exists", req.GroupId)
	}
	if err := gt.validate(req); err != nil {
		return err
	}
	if uint32(len(gt.groups)) >= gt.features.MaxGroups {
		return newError(CapacityError, OFPET_GROUP_MOD_FAILED, OFPGMFC_OUT_OF_GROUPS, "%d groups", len(gt.groups))
	}
	g := &group{
		groupId: req.GroupId,
		created: now,
		refs:    make(map[flowRef]struct{}),
	}
	g.state.Store(newGroupState(req))
	gt.groups[req.GroupId] = g
	return nil
}

/* invoke this method inside the group table's exclusive section. */
func (gt *groupTable) modify(req GroupMod) error {
	g, ok := gt.groups[req.GroupId]
	if !ok {
		return newError(NotFoundError, OFPET_GROUP_MOD_FAILED, OFPGMFC_UNKNOWN_GROUP, "group %d", req.GroupId)
	}
	if err := gt.validate(req); err != nil {
		return err
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	g.state.Store(newGroupState(req))
	return nil
}

// get returns the group, taking a shared section.
func (gt *groupTable) get(groupId uint32) *group {
	gt.lock.RLock()
	defer gt.lock.RUnlock()
	return gt.groups[groupId]
}

// ids returns the group ids in ascending order. Invoke inside either section.
func (gt *groupTable) ids() []uint32 {
	ret := make([]uint32, 0, len(gt.groups))
	for id := range gt.groups {
		ret = append(ret, id)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func (gt *groupTable) bucketLive(b *bucket, depth int) bool {
	if b.watchesPort() {
		if gt.portLive == nil || gt.portLive(b.WatchPort) {
			return true
		}
	}
	if b.watchesGroup() && depth < 4 {
		if g := gt.get(b.WatchGroup); g != nil {
			for _, wb := range g.state.Load().buckets {
				if gt.bucketLive(wb, depth+1) {
					return true
				}
			}
		}
	}
	return false
}

// choose returns the buckets to run for frame f.
func (gt *groupTable) choose(st *groupState, f *Frame) []*bucket {
	switch st.groupType {
	case OFPGT_ALL:
		return st.buckets
	case OFPGT_INDIRECT:
		return st.buckets[:1]
	case OFPGT_SELECT:
		var live []*bucket
		total := uint32(0)
		for _, b := range st.buckets {
			if b.Weight == 0 {
				continue
			}
			if (b.watchesPort() || b.watchesGroup()) && !gt.bucketLive(b, 0) {
				continue
			}
			live = append(live, b)
			total += uint32(b.Weight)
		}
		if total == 0 {
			return nil
		}
		point := f.hash() % total
		for _, b := range live {
			if point < uint32(b.Weight) {
				return []*bucket{b}
			}
			point -= uint32(b.Weight)
		}
	case OFPGT_FF:
		for _, b := range st.buckets {
			if gt.bucketLive(b, 0) {
				return []*bucket{b}
			}
		}
	}
	return nil
}
