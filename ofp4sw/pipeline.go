/*
Package ofp4sw implements the openflow 1.3 switch pipeline: flow tables,
the group table and per-packet instruction execution.
*/
package ofp4sw

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/hkwi/ofpipe/oxm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Output is one emission of a processed frame. Port may be a reserved port
// that the switch resolves.
type Output struct {
	Frame   *Frame
	Port    uint32
	MaxLen  uint16
	Reason  uint8 // packet-in reason when Port is OFPP_CONTROLLER
	TableId uint8
	Cookie  uint64
}

type Pipeline struct {
	tables    []*flowTable
	groups    *groupTable
	seq       atomic.Uint64
	strategy  string
	onRemoved func(FlowRemoved)
	now       func() time.Time
	log       *logrus.Entry
}

type pipelineOptions struct {
	strategy  string
	log       *logrus.Entry
	onRemoved func(FlowRemoved)
	portLive  func(uint32) bool
	now       func() time.Time
}

type PipelineOption func(*pipelineOptions)

// WithStrategy selects the match strategy of every table by name.
func WithStrategy(name string) PipelineOption {
	return func(o *pipelineOptions) { o.strategy = name }
}

func WithLogger(log *logrus.Entry) PipelineOption {
	return func(o *pipelineOptions) { o.log = log }
}

// WithFlowRemoved sets the receiver of flow-removed notifications.
func WithFlowRemoved(fn func(FlowRemoved)) PipelineOption {
	return func(o *pipelineOptions) { o.onRemoved = fn }
}

// WithPortLiveness sets the port liveness source of fast-failover groups.
func WithPortLiveness(fn func(uint32) bool) PipelineOption {
	return func(o *pipelineOptions) { o.portLive = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) PipelineOption {
	return func(o *pipelineOptions) { o.now = fn }
}

func NewPipeline(nTables int, profile Profile, opts ...PipelineOption) (*Pipeline, error) {
	o := pipelineOptions{
		strategy: "loop",
		log:      logrus.NewEntry(logrus.StandardLogger()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if nTables < 1 || nTables > OFPTT_MAX+1 {
		return nil, errors.Errorf("table count %d out of range", nTables)
	}
	pipe := &Pipeline{
		strategy:  o.strategy,
		onRemoved: o.onRemoved,
		now:       o.now,
		log:       o.log,
		groups:    newGroupTable(profile.Group, o.portLive, o.log),
	}
	for i := 0; i < nTables; i++ {
		strategy, err := newStrategy(o.strategy)
		if err != nil {
			return nil, err
		}
		pipe.tables = append(pipe.tables, newFlowTable(uint8(i), profile.Table, strategy, o.log))
	}
	return pipe, nil
}

func (pipe *Pipeline) NumTables() int {
	return len(pipe.tables)
}

func (pipe *Pipeline) notify(removed []FlowRemoved) {
	if pipe.onRemoved == nil {
		return
	}
	for _, r := range removed {
		pipe.onRemoved(r)
	}
}

// refGroups records the entry in every group it names and recounts its
// outputs. Invoke with the group table in either section.
func (pipe *Pipeline) refGroups(entry *FlowEntry) {
	ref := flowRef{tableId: entry.tableId, seq: entry.seq}
	for _, id := range entry.inst.Load().groups {
		if g, ok := pipe.groups.groups[id]; ok {
			g.addRef(ref)
		}
	}
	pipe.countOutputs(entry)
}

// countOutputs stores the direct outputs of the entry plus the bucket
// outputs of each group it names.
func (pipe *Pipeline) countOutputs(entry *FlowEntry) {
	bundle := entry.inst.Load()
	n := bundle.outputs
	for _, id := range bundle.groups {
		if g, ok := pipe.groups.groups[id]; ok {
			n += g.state.Load().outputs
		}
	}
	entry.outputs.Store(int64(n))
}

func (pipe *Pipeline) unrefGroups(entry *FlowEntry, bundle *instructionBundle) {
	ref := flowRef{tableId: entry.tableId, seq: entry.seq}
	for _, id := range bundle.groups {
		if g, ok := pipe.groups.groups[id]; ok {
			g.removeRef(ref)
		}
	}
}

// validateEntry checks the entry against table's capability and the group
// table. Invoke with the group table shared and the table exclusive.
func (pipe *Pipeline) validateEntry(table *flowTable, match *Match, bundle *instructionBundle) error {
	if err := match.validate(&table.feature); err != nil {
		return err
	}
	if err := bundle.validate(&table.feature, table.tableId, len(pipe.tables)); err != nil {
		return err
	}
	for _, id := range bundle.groups {
		if _, ok := pipe.groups.groups[id]; !ok {
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_OUT_GROUP, "group %d does not exist", id)
		}
	}
	return nil
}

const knownFlowFlags = OFPFF_SEND_FLOW_REM | OFPFF_CHECK_OVERLAP | OFPFF_RESET_COUNTS |
	OFPFF_NO_PKT_COUNTS | OFPFF_NO_BYT_COUNTS

// AddFlow inserts a flow entry.
func (pipe *Pipeline) AddFlow(mod FlowMod) error {
	if int(mod.TableId) >= len(pipe.tables) {
		return validationError(OFPET_FLOW_MOD_FAILED, OFPFMFC_BAD_TABLE_ID, "table %d", mod.TableId)
	}
	if mod.Flags&^knownFlowFlags != 0 {
		return validationError(OFPET_FLOW_MOD_FAILED, OFPFMFC_BAD_FLAGS, "flags 0x%x", mod.Flags)
	}
	bundle, err := compileInstructions(mod.Instructions)
	if err != nil {
		return errors.Wrapf(err, "table %d", mod.TableId)
	}
	entry := newFlowEntry(mod, bundle, pipe.now())

	pipe.groups.lock.RLock()
	defer pipe.groups.lock.RUnlock()

	table := pipe.tables[mod.TableId]
	table.lock.Lock()
	defer table.lock.Unlock()

	if err := pipe.validateEntry(table, &entry.match, bundle); err != nil {
		table.log.WithError(err).Info("flow entry refused")
		return errors.Wrapf(err, "table %d", mod.TableId)
	}
	replaced, err := table.insert(entry, pipe.seq.Add(1))
	if err != nil {
		table.log.WithError(err).Info("flow entry refused")
		return errors.Wrapf(err, "table %d", mod.TableId)
	}
	if replaced != nil {
		pipe.unrefGroups(replaced, replaced.inst.Load())
	}
	pipe.refGroups(entry)
	table.log.WithFields(logrus.Fields{
		"priority": entry.priority,
		"match":    entry.match.String(),
		"replaced": replaced != nil,
	}).Debug("flow entry added")
	return nil
}

// targetTables returns the tables a request addresses.
func (pipe *Pipeline) targetTables(tableId uint8) ([]*flowTable, error) {
	if tableId == OFPTT_ALL {
		return pipe.tables, nil
	}
	if int(tableId) >= len(pipe.tables) {
		return nil, validationError(OFPET_FLOW_MOD_FAILED, OFPFMFC_BAD_TABLE_ID, "table %d", tableId)
	}
	return pipe.tables[tableId : tableId+1], nil
}

/*
ModifyFlows replaces the instructions of the entries selected by the
request. Strict selection needs the same priority and an identical match;
non-strict selects every entry whose match the request covers. A strict
modify that selects nothing fails with a NotFoundError, a non-strict one
is a no-op.
*/
func (pipe *Pipeline) ModifyFlows(mod FlowMod, strict bool) error {
	tables, err := pipe.targetTables(mod.TableId)
	if err != nil {
		return err
	}
	bundle, err := compileInstructions(mod.Instructions)
	if err != nil {
		return err
	}
	filter := mod.Filter(strict)

	pipe.groups.lock.RLock()
	defer pipe.groups.lock.RUnlock()

	for _, table := range tables {
		table.lock.Lock()
		defer table.lock.Unlock()
	}

	hits := make([][]*FlowEntry, len(tables))
	total := 0
	for i, table := range tables {
		hits[i] = table.filter(&filter)
		if len(hits[i]) == 0 {
			continue
		}
		if err := bundle.validate(&table.feature, table.tableId, len(pipe.tables)); err != nil {
			return errors.Wrapf(err, "table %d", table.tableId)
		}
		total += len(hits[i])
	}
	for _, id := range bundle.groups {
		if _, ok := pipe.groups.groups[id]; !ok {
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_OUT_GROUP, "group %d does not exist", id)
		}
	}
	if strict && total == 0 {
		return newError(NotFoundError, OFPET_FLOW_MOD_FAILED, OFPFMFC_UNKNOWN, "no entry priority=%d,%v", mod.Priority, mod.Match)
	}
	for _, entries := range hits {
		for _, entry := range entries {
			old := entry.inst.Swap(bundle)
			pipe.unrefGroups(entry, old)
			pipe.refGroups(entry)
			if mod.Flags&OFPFF_RESET_COUNTS != 0 {
				entry.resetCounters()
			}
		}
	}
	pipe.log.WithField("count", total).Debug("flow entries modified")
	return nil
}

/*
DeleteFlows removes the entries selected by the filter and returns how many
were removed. A strict delete that selects nothing fails with a
NotFoundError.
*/
func (pipe *Pipeline) DeleteFlows(filter FlowFilter) (int, error) {
	tables, err := pipe.targetTables(filter.TableId)
	if err != nil {
		return 0, err
	}
	now := pipe.now()
	var removed []FlowRemoved
	count := 0
	func() {
		pipe.groups.lock.RLock()
		defer pipe.groups.lock.RUnlock()

		for _, table := range tables {
			func() {
				table.lock.Lock()
				defer table.lock.Unlock()

				for _, entry := range table.filter(&filter) {
					table.remove(entry)
					pipe.unrefGroups(entry, entry.inst.Load())
					count++
					if entry.flags&OFPFF_SEND_FLOW_REM != 0 {
						removed = append(removed, FlowRemoved{FlowStats: entry.stats(now), Reason: OFPRR_DELETE})
					}
				}
			}()
		}
	}()
	pipe.notify(removed)
	if filter.Strict && count == 0 {
		return 0, newError(NotFoundError, OFPET_FLOW_MOD_FAILED, OFPFMFC_UNKNOWN, "no entry priority=%d,%v", filter.Priority, filter.Match)
	}
	pipe.log.WithField("count", count).Debug("flow entries deleted")
	return count, nil
}

// FlowStats returns snapshots of the selected entries, in table order.
func (pipe *Pipeline) FlowStats(filter FlowFilter) ([]FlowStats, error) {
	tables, err := pipe.targetTables(filter.TableId)
	if err != nil {
		return nil, err
	}
	now := pipe.now()
	results := make([][]FlowStats, len(tables))
	var eg errgroup.Group
	for i, table := range tables {
		i, table := i, table
		eg.Go(func() error {
			table.lock.RLock()
			defer table.lock.RUnlock()
			for _, entry := range table.filter(&filter) {
				results[i] = append(results[i], entry.stats(now))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	var ret []FlowStats
	for _, r := range results {
		ret = append(ret, r...)
	}
	return ret, nil
}

type AggregateStats struct {
	PacketCount uint64
	ByteCount   uint64
	FlowCount   uint32
}

func (pipe *Pipeline) AggregateStats(filter FlowFilter) (AggregateStats, error) {
	var ret AggregateStats
	stats, err := pipe.FlowStats(filter)
	if err != nil {
		return ret, err
	}
	for _, s := range stats {
		ret.PacketCount += s.PacketCount
		ret.ByteCount += s.ByteCount
		ret.FlowCount++
	}
	return ret, nil
}

func (pipe *Pipeline) TableStats() []TableStats {
	ret := make([]TableStats, len(pipe.tables))
	for i, table := range pipe.tables {
		ret[i] = table.stats()
	}
	return ret
}

// SetTableMiss changes the table-miss policy of one table, or of every
// table with OFPTT_ALL.
func (pipe *Pipeline) SetTableMiss(tableId uint8, miss TableMiss) error {
	if miss > OFPTC_TABLE_MISS_DROP {
		return validationError(OFPET_TABLE_MOD_FAILED, OFPTMFC_BAD_CONFIG, "miss policy %d", miss)
	}
	tables, err := pipe.targetTables(tableId)
	if err != nil {
		return err
	}
	for _, table := range tables {
		table.lock.Lock()
		table.feature.Miss = miss
		table.lock.Unlock()
	}
	return nil
}

// AddGroup adds a group.
func (pipe *Pipeline) AddGroup(req GroupMod) error {
	pipe.groups.lock.Lock()
	defer pipe.groups.lock.Unlock()

	if err := pipe.groups.add(req, pipe.now()); err != nil {
		pipe.log.WithError(err).WithField("group", req.GroupId).Info("group refused")
		return errors.Wrapf(err, "group %d", req.GroupId)
	}
	pipe.log.WithFields(logrus.Fields{"group": req.GroupId, "type": req.Type}).Debug("group added")
	return nil
}

// ModifyGroup replaces the type and buckets of a group. References from
// flow entries survive.
func (pipe *Pipeline) ModifyGroup(req GroupMod) error {
	pipe.groups.lock.Lock()
	defer pipe.groups.lock.Unlock()

	if err := pipe.groups.modify(req); err != nil {
		return errors.Wrapf(err, "group %d", req.GroupId)
	}
	for tableId, seqs := range pipe.groups.groups[req.GroupId].referrers() {
		table := pipe.tables[tableId]
		table.lock.RLock()
		for _, seq := range seqs {
			if entry, ok := table.byId[seq]; ok {
				pipe.countOutputs(entry)
			}
		}
		table.lock.RUnlock()
	}
	pipe.log.WithFields(logrus.Fields{"group": req.GroupId, "type": req.Type}).Debug("group modified")
	return nil
}

/*
DeleteGroup removes a group, or every group with OFPG_ALL. With cascade,
the entries referencing the group are removed first with reason
OFPRR_GROUP_DELETE; without, a referenced group fails with a
ReferentialError. OFPG_ALL always cascades.
*/
func (pipe *Pipeline) DeleteGroup(groupId uint32, cascade bool) error {
	now := pipe.now()
	var removed []FlowRemoved
	err := func() error {
		pipe.groups.lock.Lock()
		defer pipe.groups.lock.Unlock()

		var targets []*group
		if groupId == OFPG_ALL {
			cascade = true
			for _, id := range pipe.groups.ids() {
				targets = append(targets, pipe.groups.groups[id])
			}
		} else if g, ok := pipe.groups.groups[groupId]; ok {
			targets = append(targets, g)
		} else {
			return newError(NotFoundError, OFPET_GROUP_MOD_FAILED, OFPGMFC_UNKNOWN_GROUP, "group %d", groupId)
		}
		if !cascade {
			for _, g := range targets {
				if n := g.refCount(); n > 0 {
					return newError(ReferentialError, OFPET_GROUP_MOD_FAILED, OFPGMFC_CHAINED_GROUP,
						"group %d is referenced by %d flow entries", g.groupId, n)
				}
			}
		}

		refs := make(map[uint8][]uint64)
		for _, g := range targets {
			for tableId, seqs := range g.referrers() {
				refs[tableId] = append(refs[tableId], seqs...)
			}
		}
		tableIds := make([]int, 0, len(refs))
		for tableId := range refs {
			tableIds = append(tableIds, int(tableId))
		}
		sort.Ints(tableIds)
		for _, tableId := range tableIds {
			table := pipe.tables[tableId]
			func() {
				table.lock.Lock()
				defer table.lock.Unlock()

				for _, seq := range refs[uint8(tableId)] {
					entry, ok := table.byId[seq]
					if !ok {
						continue
					}
					table.remove(entry)
					pipe.unrefGroups(entry, entry.inst.Load())
					if entry.flags&OFPFF_SEND_FLOW_REM != 0 {
						removed = append(removed, FlowRemoved{FlowStats: entry.stats(now), Reason: OFPRR_GROUP_DELETE})
					}
				}
			}()
		}
		for _, g := range targets {
			delete(pipe.groups.groups, g.groupId)
		}
		pipe.log.WithFields(logrus.Fields{"group": groupId, "groups": len(targets)}).Debug("group deleted")
		return nil
	}()
	pipe.notify(removed)
	return err
}

func (pipe *Pipeline) GroupStats(groupId uint32) []GroupStats {
	pipe.groups.lock.RLock()
	defer pipe.groups.lock.RUnlock()

	now := pipe.now()
	var ret []GroupStats
	for _, id := range pipe.groups.ids() {
		if groupId == OFPG_ALL || groupId == id {
			ret = append(ret, pipe.groups.groups[id].stats(now))
		}
	}
	return ret
}

func (pipe *Pipeline) GroupFeatures() GroupFeatures {
	pipe.groups.lock.RLock()
	defer pipe.groups.lock.RUnlock()
	return pipe.groups.features
}

// Expire removes the entries whose idle or hard timeout elapsed at now.
// Tables are swept concurrently.
func (pipe *Pipeline) Expire(now time.Time) int {
	removed := make([][]FlowRemoved, len(pipe.tables))
	counts := make([]int, len(pipe.tables))
	func() {
		pipe.groups.lock.RLock()
		defer pipe.groups.lock.RUnlock()

		var eg errgroup.Group
		for i, table := range pipe.tables {
			i, table := i, table
			eg.Go(func() error {
				table.lock.Lock()
				defer table.lock.Unlock()

				hits, reasons := table.expired(now)
				for k, entry := range hits {
					table.remove(entry)
					pipe.unrefGroups(entry, entry.inst.Load())
					if entry.flags&OFPFF_SEND_FLOW_REM != 0 {
						removed[i] = append(removed[i], FlowRemoved{FlowStats: entry.stats(now), Reason: uint8(reasons[k])})
					}
				}
				counts[i] = len(hits)
				return nil
			})
		}
		_ = eg.Wait()
	}()
	total := 0
	for i := range pipe.tables {
		pipe.notify(removed[i])
		total += counts[i]
	}
	if total > 0 {
		pipe.log.WithField("count", total).Debug("flow entries expired")
	}
	return total
}

// reset purges every entry and group and applies a new profile.
func (pipe *Pipeline) reset(profile Profile) error {
	strategies := make([]MatchStrategy, len(pipe.tables))
	for i := range strategies {
		s, err := newStrategy(pipe.strategy)
		if err != nil {
			return err
		}
		strategies[i] = s
	}

	pipe.groups.lock.Lock()
	defer pipe.groups.lock.Unlock()

	for i, table := range pipe.tables {
		table.lock.Lock()
		table.purge(profile.Table, strategies[i])
		table.lock.Unlock()
	}
	pipe.groups.groups = make(map[uint32]*group)
	pipe.groups.features = profile.Group
	return nil
}

// execution carries the outputs of one frame through the pipeline.
type execution struct {
	pipe    *Pipeline
	outs    []Output
	tableId uint8
	cookie  uint64
}

// applyList runs the actions in order. With handoff, the last action may
// take f itself instead of a copy.
func (x *execution) applyList(f *Frame, list ActionList, handoff bool) {
	for i, act := range list {
		last := handoff && i == len(list)-1
		pout, gout, err := act.process(f)
		if err != nil {
			x.pipe.log.WithError(err).WithField("action", act.Type()).Debug("action skipped")
			continue
		}
		if pout != nil {
			x.emit(f, pout, last)
		}
		if gout != nil {
			x.group(f, gout.groupId, last)
		}
		if f.invalid {
			return
		}
	}
}

func (x *execution) emit(f *Frame, pout *outputToPort, handoff bool) {
	data := pout.data
	if data == nil {
		if handoff {
			data = f
		} else {
			data = f.clone()
		}
	}
	x.outs = append(x.outs, Output{
		Frame:   data,
		Port:    pout.outPort,
		MaxLen:  pout.maxLen,
		Reason:  pout.reason,
		TableId: x.tableId,
		Cookie:  x.cookie,
	})
}

func (x *execution) group(f *Frame, groupId uint32, handoff bool) {
	g := x.pipe.groups.get(groupId)
	if g == nil {
		x.pipe.log.WithField("group", groupId).Debug("group vanished")
		return
	}
	g.packetCount.Add(1)
	g.byteCount.Add(uint64(f.length))
	buckets := x.pipe.groups.choose(g.state.Load(), f)
	for i, b := range buckets {
		b.packetCount.Add(1)
		b.byteCount.Add(uint64(f.length))
		data := f
		if !handoff || i != len(buckets)-1 {
			data = f.clone()
		}
		x.applyList(data, b.Actions, true)
	}
}

/*
Process runs a frame through the pipeline from table 0 and returns the
outputs in emission order. The frame is owned by the pipeline afterwards
and may appear in one of the outputs.
*/
func (pipe *Pipeline) Process(f *Frame) []Output {
	if !f.fields.Has(oxm.OFPXMT_OFB_METADATA) {
		f.fields.Set(oxm.OFPXMT_OFB_METADATA, oxm.Value{})
	}
	now := pipe.now()
	x := execution{pipe: pipe}
	var set actionSet
	tableId := 0
	for {
		table := pipe.tables[tableId]
		x.tableId = uint8(tableId)
		entry, miss := table.lookup(f, now)
		if entry == nil {
			switch miss {
			case OFPTC_TABLE_MISS_CONTROLLER:
				x.cookie = ^uint64(0)
				x.emit(f, &outputToPort{
					outPort: oxm.OFPP_CONTROLLER,
					maxLen:  OFPCML_NO_BUFFER,
					reason:  OFPR_NO_MATCH,
				}, true)
			case OFPTC_TABLE_MISS_CONTINUE:
				if tableId+1 < len(pipe.tables) {
					tableId++
					continue
				}
			}
			return x.outs
		}
		inst := entry.inst.Load()
		x.cookie = entry.cookie
		if n := int(entry.outputs.Load()); x.outs == nil && n > 0 {
			x.outs = make([]Output, 0, n)
		}

		setEmpty := (inst.Clear || len(set) == 0) && len(inst.writeSet) == 0
		done := inst.terminal() && setEmpty
		x.applyList(f, inst.Apply, done)
		if f.invalid || done {
			return x.outs
		}
		if inst.Clear {
			set = nil
		}
		if len(inst.writeSet) > 0 {
			set = set.write(inst.writeSet)
		}
		if inst.Metadata != nil {
			md := f.value(oxm.OFPXMT_OFB_METADATA)
			f.fields.Set(oxm.OFPXMT_OFB_METADATA, oxm.U64(inst.Metadata.apply(md)))
		}
		if !inst.terminal() {
			tableId = int(inst.Goto)
			continue
		}
		x.applyList(f, set.list(), true)
		return x.outs
	}
}

// Execute runs a controller supplied action list, as packet-out does.
// OFPP_TABLE outputs are returned for the caller to resubmit.
func (pipe *Pipeline) Execute(f *Frame, actions ActionList) []Output {
	x := execution{pipe: pipe, tableId: OFPTT_ALL, cookie: ^uint64(0)}
	x.applyList(f, actions, true)
	return x.outs
}

// validatePacketOut checks a packet-out action list against table 0.
func (pipe *Pipeline) validatePacketOut(actions ActionList) error {
	table := pipe.tables[0]
	table.lock.RLock()
	caps := actionCaps{
		types:      table.feature.ApplyActions,
		setfield:   table.feature.ApplySetfield,
		allowTable: true,
		allowGroup: true,
	}
	table.lock.RUnlock()
	if err := actions.validate(caps); err != nil {
		return err
	}
	pipe.groups.lock.RLock()
	defer pipe.groups.lock.RUnlock()
	for _, id := range actions.groups() {
		if _, ok := pipe.groups.groups[id]; !ok {
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_OUT_GROUP, "group %d does not exist", id)
		}
	}
	return nil
}
