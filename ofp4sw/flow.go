package ofp4sw

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkwi/ofpipe/oxm"
	"github.com/sirupsen/logrus"
)

// ofp_flow_mod_flags
const (
	OFPFF_SEND_FLOW_REM = 1 << iota
	OFPFF_CHECK_OVERLAP
	OFPFF_RESET_COUNTS
	OFPFF_NO_PKT_COUNTS
	OFPFF_NO_BYT_COUNTS
)

// ofp_flow_removed_reason
const (
	OFPRR_IDLE_TIMEOUT = iota
	OFPRR_HARD_TIMEOUT
	OFPRR_DELETE
	OFPRR_GROUP_DELETE
)

const (
	OFPTT_MAX = 0xfe
	OFPTT_ALL = 0xff
)

// FlowMod describes a flow entry to add, or the selector and new
// instructions of a modify.
type FlowMod struct {
	TableId      uint8
	Priority     uint16
	Cookie       uint64
	CookieMask   uint64 // modify only
	IdleTimeout  uint16
	HardTimeout  uint16
	Flags        uint16
	Match        Match
	Instructions Instructions
}

// FlowFilter selects entries for modify, delete and stats queries.
type FlowFilter struct {
	TableId    uint8 // OFPTT_ALL for every table
	Strict     bool
	Priority   uint16 // strict only
	Cookie     uint64
	CookieMask uint64
	OutPort    uint32 // oxm.OFPP_ANY or zero for no filter
	OutGroup   uint32 // OFPG_ANY for no filter
	Match      Match
}

// Filter is the selector a modify or delete with this request uses.
func (mod FlowMod) Filter(strict bool) FlowFilter {
	return FlowFilter{
		TableId:    mod.TableId,
		Strict:     strict,
		Priority:   mod.Priority,
		Cookie:     mod.Cookie,
		CookieMask: mod.CookieMask,
		OutPort:    oxm.OFPP_ANY,
		OutGroup:   OFPG_ANY,
		Match:      mod.Match,
	}
}

// AllFlows is a filter that selects every entry of every table.
func AllFlows() FlowFilter {
	return FlowFilter{
		TableId:  OFPTT_ALL,
		OutPort:  oxm.OFPP_ANY,
		OutGroup: OFPG_ANY,
	}
}

// FlowEntry is one forwarding rule owned by a flow table. Everything but
// the counters and the instruction bundle is fixed at insertion.
type FlowEntry struct {
	seq         uint64
	tableId     uint8
	priority    uint16
	match       Match
	cookie      uint64
	flags       uint16
	idleTimeout uint16
	hardTimeout uint16
	created     time.Time

	touched     atomic.Int64 // unix nano
	packetCount atomic.Uint64
	byteCount   atomic.Uint64
	inst        atomic.Pointer[instructionBundle]
	outputs     atomic.Int64 // direct outputs and those of referenced groups
}

func newFlowEntry(mod FlowMod, bundle *instructionBundle, now time.Time) *FlowEntry {
	entry := &FlowEntry{
		tableId:     mod.TableId,
		priority:    mod.Priority,
		match:       mod.Match,
		cookie:      mod.Cookie,
		flags:       mod.Flags,
		idleTimeout: mod.IdleTimeout,
		hardTimeout: mod.HardTimeout,
		created:     now,
	}
	entry.touched.Store(now.UnixNano())
	entry.inst.Store(bundle)
	entry.outputs.Store(int64(bundle.outputs))
	return entry
}

func (entry *FlowEntry) Priority() uint16 { return entry.priority }

func (entry *FlowEntry) Cookie() uint64 { return entry.cookie }

func (entry *FlowEntry) Match() Match { return entry.match }

func (entry *FlowEntry) TableId() uint8 { return entry.tableId }

func (entry *FlowEntry) Instructions() Instructions {
	return entry.inst.Load().Instructions
}

// LastUsed is the time of the last match, or the insertion time.
func (entry *FlowEntry) LastUsed() time.Time {
	return time.Unix(0, entry.touched.Load())
}

func (entry *FlowEntry) touch(now time.Time, length int) {
	entry.touched.Store(now.UnixNano())
	if entry.flags&OFPFF_NO_PKT_COUNTS == 0 {
		entry.packetCount.Add(1)
	}
	if entry.flags&OFPFF_NO_BYT_COUNTS == 0 {
		entry.byteCount.Add(uint64(length))
	}
}

func (entry *FlowEntry) resetCounters() {
	entry.packetCount.Store(0)
	entry.byteCount.Store(0)
}

// expired returns the removal reason, or -1.
func (entry *FlowEntry) expired(now time.Time) int {
	if entry.hardTimeout != 0 && now.Sub(entry.created) >= time.Duration(entry.hardTimeout)*time.Second {
		return OFPRR_HARD_TIMEOUT
	}
	if entry.idleTimeout != 0 && now.Sub(entry.LastUsed()) >= time.Duration(entry.idleTimeout)*time.Second {
		return OFPRR_IDLE_TIMEOUT
	}
	return -1
}

func (entry *FlowEntry) stats(now time.Time) FlowStats {
	return FlowStats{
		TableId:      entry.tableId,
		Priority:     entry.priority,
		Cookie:       entry.cookie,
		Flags:        entry.flags,
		IdleTimeout:  entry.idleTimeout,
		HardTimeout:  entry.hardTimeout,
		Match:        entry.match,
		Instructions: entry.Instructions(),
		Duration:     now.Sub(entry.created),
		PacketCount:  entry.packetCount.Load(),
		ByteCount:    entry.byteCount.Load(),
		OutputCount:  int(entry.outputs.Load()),
	}
}

// FlowStats is a snapshot of a flow entry.
type FlowStats struct {
	TableId      uint8
	Priority     uint16
	Cookie       uint64
	Flags        uint16
	IdleTimeout  uint16
	HardTimeout  uint16
	Match        Match
	Instructions Instructions
	Duration     time.Duration
	PacketCount  uint64
	ByteCount    uint64
	OutputCount  int
}

// FlowRemoved is raised for removed entries that carry OFPFF_SEND_FLOW_REM.
type FlowRemoved struct {
	DatapathId uint64
	FlowStats
	Reason uint8
}

// selects reports whether the entry passes the filter.
func (req *FlowFilter) selects(entry *FlowEntry) bool {
	if req.Strict {
		if entry.priority != req.Priority || !entry.match.Equal(&req.Match) {
			return false
		}
	} else if !req.Match.Covers(&entry.match) {
		return false
	}
	if req.CookieMask != 0 && entry.cookie&req.CookieMask != req.Cookie&req.CookieMask {
		return false
	}
	inst := entry.inst.Load()
	if req.OutPort != oxm.OFPP_ANY && req.OutPort != 0 && !inst.referencesPort(req.OutPort) {
		return false
	}
	if req.OutGroup != OFPG_ANY && !inst.referencesGroup(req.OutGroup) {
		return false
	}
	return true
}

// TableStats is a snapshot of flow table counters.
type TableStats struct {
	TableId      uint8
	Name         string
	ActiveCount  uint32
	LookupCount  uint64
	MatchedCount uint64
	MaxEntries   uint32
	Miss         TableMiss
}

type flowTable struct {
	lock        sync.RWMutex // for collections and feature
	tableId     uint8
	feature     TableFeature
	strategy    MatchStrategy
	byId        map[uint64]*FlowEntry
	lookupCount atomic.Uint64
	matchCount  atomic.Uint64
	log         *logrus.Entry
}

func newFlowTable(tableId uint8, feature TableFeature, strategy MatchStrategy, log *logrus.Entry) *flowTable {
	return &flowTable{
		tableId:  tableId,
		feature:  feature,
		strategy: strategy,
		byId:     make(map[uint64]*FlowEntry),
		log:      log.WithField("table", tableId),
	}
}

// lookup returns the winning entry and refreshes its idle timer.
func (table *flowTable) lookup(f *Frame, now time.Time) (*FlowEntry, TableMiss) {
	table.lock.RLock()
	defer table.lock.RUnlock()

	table.lookupCount.Add(1)
	entry := table.strategy.Lookup(f)
	if entry == nil {
		return nil, table.feature.Miss
	}
	table.matchCount.Add(1)
	entry.touch(now, f.length)
	return entry, table.feature.Miss
}

/*
insert places the entry. Invoke inside the table's exclusive section.

An identical match at the same priority is replaced in place and the old
entry is returned.
*/
func (table *flowTable) insert(entry *FlowEntry, seq uint64) (*FlowEntry, error) {
	var replaced *FlowEntry
	var err error
	table.strategy.Each(func(e *FlowEntry) bool {
		if e.priority > entry.priority {
			return true
		}
		if e.priority < entry.priority {
			return false
		}
		if entry.flags&OFPFF_CHECK_OVERLAP != 0 && e.match.Overlaps(&entry.match) {
			err = newError(ConflictError, OFPET_FLOW_MOD_FAILED, OFPFMFC_OVERLAP,
				"overlaps with priority=%d,%v", e.priority, e.match)
			return false
		}
		if e.match.Equal(&entry.match) {
			replaced = e
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		entry.seq = replaced.seq
		if entry.flags&OFPFF_RESET_COUNTS == 0 {
			entry.packetCount.Store(replaced.packetCount.Load())
			entry.byteCount.Store(replaced.byteCount.Load())
		}
		table.strategy.Replace(replaced, entry)
		table.byId[entry.seq] = entry
		return replaced, nil
	}
	if uint32(table.strategy.Len()) >= table.feature.MaxEntries {
		return nil, newError(CapacityError, OFPET_FLOW_MOD_FAILED, OFPFMFC_TABLE_FULL,
			"table %d holds %d entries", table.tableId, table.feature.MaxEntries)
	}
	entry.seq = seq
	table.strategy.Insert(entry)
	table.byId[seq] = entry
	return nil, nil
}

/* invoke this method inside the table's exclusive section. */
func (table *flowTable) remove(entry *FlowEntry) {
	if _, ok := table.byId[entry.seq]; !ok {
		return
	}
	delete(table.byId, entry.seq)
	table.strategy.Remove(entry)
}

// filter collects selected entries in table order. Invoke inside either
// section.
func (table *flowTable) filter(req *FlowFilter) []*FlowEntry {
	var hits []*FlowEntry
	table.strategy.Each(func(e *FlowEntry) bool {
		if req.Strict && e.priority < req.Priority {
			return false
		}
		if req.selects(e) {
			hits = append(hits, e)
		}
		return true
	})
	return hits
}

func (table *flowTable) expired(now time.Time) (hits []*FlowEntry, reasons []int) {
	table.strategy.Each(func(e *FlowEntry) bool {
		if reason := e.expired(now); reason >= 0 {
			hits = append(hits, e)
			reasons = append(reasons, reason)
		}
		return true
	})
	return
}

func (table *flowTable) stats() TableStats {
	table.lock.RLock()
	defer table.lock.RUnlock()

	return TableStats{
		TableId:      table.tableId,
		Name:         table.feature.Name,
		ActiveCount:  uint32(table.strategy.Len()),
		LookupCount:  table.lookupCount.Load(),
		MatchedCount: table.matchCount.Load(),
		MaxEntries:   table.feature.MaxEntries,
		Miss:         table.feature.Miss,
	}
}

/* invoke this method inside the table's exclusive section. */
func (table *flowTable) purge(feature TableFeature, strategy MatchStrategy) {
	table.feature = feature
	table.strategy = strategy
	table.byId = make(map[uint64]*FlowEntry)
	table.lookupCount.Store(0)
	table.matchCount.Store(0)
}
