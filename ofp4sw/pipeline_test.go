package ofp4sw

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hkwi/ofpipe/oxm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTernary(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		value, mask, v := uint64(r.Uint32()), uint64(r.Uint32()), uint64(r.Uint32())
		if i%2 == 0 {
			v = value&mask | v&^mask
		}
		m, err := NewMatch(oxm.Oxm{
			Field:     oxm.OFPXMT_OFB_IPV4_DST,
			ValueMask: oxm.Masked(oxm.OFPXMT_OFB_IPV4_DST, oxm.U64(value), oxm.U64(mask)),
		})
		require.NoError(t, err)
		var fs oxm.Fields
		fs.Set(oxm.OFPXMT_OFB_IPV4_DST, oxm.U64(v))
		assert.Equal(t, v&mask == value&mask, m.Matches(NewFrame(fs, 64)))
	}

	m := mustMatch(t, "eth_type=0x0800,ipv4_dst=10.0.0.0/8")
	assert.True(t, m.Matches(newFrame(t, "eth_type=0x0800,ipv4_dst=10.1.2.3")))
	assert.False(t, m.Matches(newFrame(t, "eth_type=0x0800,ipv4_dst=11.1.2.3")))
	assert.False(t, m.Matches(newFrame(t, "eth_type=0x0806")), "absent field never matches")

	var all Match
	assert.True(t, all.Matches(newFrame(t, "eth_type=0x0806")))
}

func TestMatchRelations(t *testing.T) {
	wild := mustMatch(t, "")
	port1 := mustMatch(t, "in_port=1")
	port2 := mustMatch(t, "in_port=2")
	net8 := mustMatch(t, "eth_type=0x0800,ipv4_dst=10.0.0.0/8")
	net16 := mustMatch(t, "eth_type=0x0800,ipv4_dst=10.1.0.0/16")

	assert.True(t, wild.Covers(&port1))
	assert.False(t, port1.Covers(&wild))
	assert.True(t, port1.Overlaps(&wild))
	assert.False(t, port1.Overlaps(&port2))
	assert.True(t, net8.Covers(&net16))
	assert.False(t, net16.Covers(&net8))

	g := port1.Generalize(&port2)
	assert.True(t, g.Covers(&port1))
	assert.True(t, g.Covers(&port2))
	assert.Equal(t, "ipv4_dst=10.0.0.0/255.0.0.0", mustString(t, net16.Generalize(&net8), oxm.OFPXMT_OFB_IPV4_DST))
}

func mustString(t *testing.T, m Match, f oxm.Field) string {
	t.Helper()
	vm, ok := m.Get(f)
	require.True(t, ok)
	return oxm.Oxm{Field: f, ValueMask: vm}.String()
}

func TestNewMatchErrors(t *testing.T) {
	cases := []struct {
		name string
		list []oxm.Oxm
		code uint16
	}{
		{"duplicate", []oxm.Oxm{
			{Field: oxm.OFPXMT_OFB_IN_PORT, ValueMask: oxm.Exact(oxm.OFPXMT_OFB_IN_PORT, oxm.U64(1))},
			{Field: oxm.OFPXMT_OFB_IN_PORT, ValueMask: oxm.Exact(oxm.OFPXMT_OFB_IN_PORT, oxm.U64(2))},
		}, OFPBMC_DUP_FIELD},
		{"value outside mask", []oxm.Oxm{
			{Field: oxm.OFPXMT_OFB_METADATA, ValueMask: oxm.ValueMask{Value: oxm.U64(3), Mask: oxm.U64(1)}},
		}, OFPBMC_BAD_WILDCARDS},
		{"not maskable", []oxm.Oxm{
			{Field: oxm.OFPXMT_OFB_IN_PORT, ValueMask: oxm.ValueMask{Value: oxm.U64(1), Mask: oxm.U64(1)}},
		}, OFPBMC_BAD_MASK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewMatch(c.list...)
			e, ok := AsError(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, ValidationError, e.Kind)
			assert.EqualValues(t, OFPET_BAD_MATCH, e.Type)
			assert.EqualValues(t, c.code, e.Code)
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	for _, strategy := range []string{"loop", "hash"} {
		t.Run(strategy, func(t *testing.T) {
			pipe := newTestPipeline(t, 1, WithStrategy(strategy))
			require.NoError(t, pipe.AddFlow(FlowMod{Priority: 10, Match: mustMatch(t, "in_port=1"), Instructions: apply(output(2))}))
			require.NoError(t, pipe.AddFlow(FlowMod{Priority: 20, Match: mustMatch(t, ""), Instructions: apply(output(3))}))
			assert.Equal(t, []uint32{3}, ports(pipe.Process(newFrame(t, "in_port=1"))))

			// same priority: the earlier insertion wins
			require.NoError(t, pipe.AddFlow(FlowMod{Priority: 30, Match: mustMatch(t, "in_port=1"), Instructions: apply(output(4))}))
			require.NoError(t, pipe.AddFlow(FlowMod{Priority: 30, Match: mustMatch(t, "eth_type=0x0806"), Instructions: apply(output(5))}))
			assert.Equal(t, []uint32{4}, ports(pipe.Process(newFrame(t, "in_port=1,eth_type=0x0806"))))
		})
	}
}

func TestOverlapCheck(t *testing.T) {
	pipe := newTestPipeline(t, 1)
	require.NoError(t, pipe.AddFlow(FlowMod{Priority: 5, Match: mustMatch(t, ""), Instructions: apply(output(2))}))

	err := pipe.AddFlow(FlowMod{
		Priority:     5,
		Flags:        OFPFF_CHECK_OVERLAP,
		Match:        mustMatch(t, "in_port=1"),
		Instructions: apply(output(3)),
	})
	assert.True(t, IsConflict(err), "%v", err)
	e, _ := AsError(err)
	assert.EqualValues(t, OFPFMFC_OVERLAP, e.Code)

	// other priorities never conflict
	require.NoError(t, pipe.AddFlow(FlowMod{
		Priority:     6,
		Flags:        OFPFF_CHECK_OVERLAP,
		Match:        mustMatch(t, "in_port=1"),
		Instructions: apply(output(3)),
	}))
	require.NoError(t, pipe.AddFlow(FlowMod{Priority: 5, Match: mustMatch(t, "in_port=1"), Instructions: apply(output(3))}))
	assert.EqualValues(t, 3, pipe.TableStats()[0].ActiveCount)
}

func TestIdenticalMatchReplaces(t *testing.T) {
	pipe := newTestPipeline(t, 1)
	mod := FlowMod{Priority: 10, Cookie: 1, Match: mustMatch(t, "in_port=1"), Instructions: apply(output(2))}
	require.NoError(t, pipe.AddFlow(mod))
	pipe.Process(newFrame(t, "in_port=1"))

	mod.Cookie = 2
	mod.Instructions = apply(output(3))
	require.NoError(t, pipe.AddFlow(mod))

	assert.EqualValues(t, 1, pipe.TableStats()[0].ActiveCount)
	assert.Equal(t, []uint32{3}, ports(pipe.Process(newFrame(t, "in_port=1"))))
	stats, err := pipe.FlowStats(AllFlows())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 2, stats[0].Cookie)
	assert.EqualValues(t, 2, stats[0].PacketCount, "counters survive a replacement")

	mod.Flags = OFPFF_RESET_COUNTS
	require.NoError(t, pipe.AddFlow(mod))
	stats, err = pipe.FlowStats(AllFlows())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats[0].PacketCount)
}

func TestApplyBeforeGoto(t *testing.T) {
	pipe := newTestPipeline(t, 2)
	require.NoError(t, pipe.AddFlow(FlowMod{
		Priority: 1,
		Instructions: Instructions{
			Apply: ActionList{setField(t, "eth_dst", "00:00:00:00:00:02")},
			Goto:  1,
		},
	}))
	require.NoError(t, pipe.AddFlow(FlowMod{
		TableId:      1,
		Priority:     1,
		Match:        mustMatch(t, "eth_dst=00:00:00:00:00:02"),
		Instructions: apply(output(4)),
	}))
	outs := pipe.Process(newFrame(t, "in_port=1,eth_dst=00:00:00:00:00:01"))
	require.Len(t, outs, 1)
	assert.EqualValues(t, 4, outs[0].Port)
	assert.EqualValues(t, 1, outs[0].TableId)
}

func TestWriteActionsNeedPipelineEnd(t *testing.T) {
	pipe := newTestPipeline(t, 3)
	require.NoError(t, pipe.AddFlow(FlowMod{
		Instructions: Instructions{Write: ActionList{output(5)}, Goto: 1},
	}))
	require.NoError(t, pipe.AddFlow(FlowMod{
		TableId:      1,
		Instructions: Instructions{Apply: ActionList{output(6)}, Goto: 2},
	}))
	require.NoError(t, pipe.AddFlow(FlowMod{
		TableId:      2,
		Instructions: Instructions{Clear: true},
	}))
	assert.Equal(t, []uint32{6}, ports(pipe.Process(newFrame(t, "in_port=1"))))

	// without the clear, the action set runs at the end
	require.NoError(t, pipe.AddFlow(FlowMod{
		TableId:      2,
		Instructions: Instructions{Write: ActionList{setField(t, "eth_dst", "00:00:00:00:00:09")}},
	}))
	outs := pipe.Process(newFrame(t, "in_port=1,eth_dst=00:00:00:00:00:01"))
	require.Equal(t, []uint32{6, 5}, ports(outs))
	v, _ := outs[1].Frame.Field(oxm.OFPXMT_OFB_ETH_DST)
	assert.Equal(t, "00:00:00:00:00:09", v.Mac().String())
	v, _ = outs[0].Frame.Field(oxm.OFPXMT_OFB_ETH_DST)
	assert.Equal(t, "00:00:00:00:00:01", v.Mac().String())
}

func TestClearThenWrite(t *testing.T) {
	pipe := newTestPipeline(t, 2)
	require.NoError(t, pipe.AddFlow(FlowMod{
		Instructions: Instructions{Write: ActionList{output(2)}, Goto: 1},
	}))
	require.NoError(t, pipe.AddFlow(FlowMod{
		TableId:      1,
		Instructions: Instructions{Clear: true, Write: ActionList{output(3)}},
	}))
	assert.Equal(t, []uint32{3}, ports(pipe.Process(newFrame(t, "in_port=1"))))
}

func TestMultiOutputReplication(t *testing.T) {
	pipe := newTestPipeline(t, 1)
	require.NoError(t, pipe.AddFlow(FlowMod{
		Instructions: apply(output(2), setField(t, "eth_dst", "00:00:00:00:00:02"), output(3)),
	}))
	f := newFrame(t, "in_port=1,eth_dst=00:00:00:00:00:01")
	outs := pipe.Process(f)
	require.Equal(t, []uint32{2, 3}, ports(outs))
	assert.NotSame(t, outs[0].Frame, outs[1].Frame)
	assert.NotSame(t, f, outs[0].Frame)

	v, _ := outs[0].Frame.Field(oxm.OFPXMT_OFB_ETH_DST)
	assert.Equal(t, "00:00:00:00:00:01", v.Mac().String())
	v, _ = outs[1].Frame.Field(oxm.OFPXMT_OFB_ETH_DST)
	assert.Equal(t, "00:00:00:00:00:02", v.Mac().String())

	outs[0].Frame.SetField(oxm.OFPXMT_OFB_ETH_SRC, oxm.U64(7))
	other := outs[1].Frame.Fields()
	assert.False(t, other.Has(oxm.OFPXMT_OFB_ETH_SRC))
}

func TestForwardScenario(t *testing.T) {
	clock := newClock()
	pipe := newTestPipeline(t, 2, WithClock(clock.Now))
	require.NoError(t, pipe.SetTableMiss(1, OFPTC_TABLE_MISS_DROP))
	require.NoError(t, pipe.AddFlow(FlowMod{
		Priority:     10,
		IdleTimeout:  10,
		Match:        mustMatch(t, "in_port=1"),
		Instructions: apply(output(2)),
	}))

	clock.advance(5 * time.Second)
	outs := pipe.Process(newFrame(t, "in_port=1"))
	require.Len(t, outs, 1)
	assert.EqualValues(t, 2, outs[0].Port)
	assert.EqualValues(t, OFPR_ACTION, outs[0].Reason)

	assert.Zero(t, pipe.Expire(clock.advance(9*time.Second)), "idle timer restarted on match")
	assert.Equal(t, 1, pipe.Expire(clock.advance(time.Second)))
}

func TestContinueScenario(t *testing.T) {
	pipe := newTestPipeline(t, 2)
	require.NoError(t, pipe.AddFlow(FlowMod{
		TableId:      1,
		Instructions: Instructions{Write: ActionList{output(3)}},
	}))
	outs := pipe.Process(newFrame(t, "in_port=7,eth_type=0x0806"))
	require.Len(t, outs, 1)
	assert.EqualValues(t, 3, outs[0].Port)
	assert.EqualValues(t, 1, outs[0].TableId)

	stats := pipe.TableStats()
	assert.EqualValues(t, 1, stats[0].LookupCount)
	assert.EqualValues(t, 0, stats[0].MatchedCount)
	assert.EqualValues(t, 1, stats[1].MatchedCount)
}

func TestTableMiss(t *testing.T) {
	pipe := newTestPipeline(t, 2)
	assert.Empty(t, pipe.Process(newFrame(t, "in_port=1")), "continue on the last table drops")

	require.NoError(t, pipe.SetTableMiss(0, OFPTC_TABLE_MISS_CONTROLLER))
	outs := pipe.Process(newFrame(t, "in_port=1"))
	require.Len(t, outs, 1)
	assert.EqualValues(t, oxm.OFPP_CONTROLLER, outs[0].Port)
	assert.EqualValues(t, OFPR_NO_MATCH, outs[0].Reason)
	assert.Equal(t, ^uint64(0), outs[0].Cookie)

	require.NoError(t, pipe.SetTableMiss(OFPTT_ALL, OFPTC_TABLE_MISS_DROP))
	assert.Empty(t, pipe.Process(newFrame(t, "in_port=1")))

	assert.True(t, IsValidation(pipe.SetTableMiss(0, TableMiss(7))))
	assert.True(t, IsValidation(pipe.SetTableMiss(5, OFPTC_TABLE_MISS_DROP)))
}

func TestWriteMetadata(t *testing.T) {
	pipe := newTestPipeline(t, 2)
	require.NoError(t, pipe.AddFlow(FlowMod{
		Instructions: Instructions{Metadata: &WriteMetadata{Metadata: 0x5, Mask: 0xff}, Goto: 1},
	}))
	require.NoError(t, pipe.AddFlow(FlowMod{
		TableId:      1,
		Match:        mustMatch(t, "metadata=0x5"),
		Instructions: apply(output(2)),
	}))
	assert.Equal(t, []uint32{2}, ports(pipe.Process(newFrame(t, "in_port=1"))))

	// bits outside the mask keep their previous value
	f := newFrame(t, "in_port=1,metadata=0x1100")
	outs := pipe.Process(f)
	assert.Empty(t, outs)
	v, _ := f.Field(oxm.OFPXMT_OFB_METADATA)
	assert.EqualValues(t, 0x1105, v.Lo)
}

func TestInvalidTtl(t *testing.T) {
	pipe := newTestPipeline(t, 1)
	require.NoError(t, pipe.AddFlow(FlowMod{
		Instructions: apply(ActionGeneric(OFPAT_DEC_NW_TTL), output(2)),
	}))
	f := newFrame(t, "in_port=1,eth_type=0x0800")
	f.SetNwTtl(1)
	outs := pipe.Process(f)
	require.Len(t, outs, 1)
	assert.EqualValues(t, oxm.OFPP_CONTROLLER, outs[0].Port)
	assert.EqualValues(t, OFPR_INVALID_TTL, outs[0].Reason)
	assert.True(t, f.Invalid())

	f = newFrame(t, "in_port=1,eth_type=0x0800")
	f.SetNwTtl(3)
	outs = pipe.Process(f)
	require.Equal(t, []uint32{2}, ports(outs))
	ttl, ok := outs[0].Frame.NwTtl()
	assert.True(t, ok)
	assert.EqualValues(t, 2, ttl)
}

func TestActionSetOrder(t *testing.T) {
	set, err := newActionSet(ActionList{
		output(2),
		setField(t, "eth_dst", "00:00:00:00:00:02"),
		ActionGroup{GroupId: 1},
		ActionGeneric(OFPAT_DEC_NW_TTL),
		setField(t, "eth_src", "00:00:00:00:00:01"),
	})
	require.NoError(t, err)
	var types []ActionType
	for _, act := range set.list() {
		types = append(types, act.Type())
	}
	assert.Equal(t, []ActionType{OFPAT_DEC_NW_TTL, OFPAT_SET_FIELD, OFPAT_SET_FIELD, OFPAT_GROUP}, types)

	merged := set.write(actionSet{actionKey{Type: OFPAT_GROUP}: ActionGroup{GroupId: 9}})
	assert.Equal(t, ActionGroup{GroupId: 9}, merged[actionKey{Type: OFPAT_GROUP}])
}

func TestFlowValidation(t *testing.T) {
	cases := []struct {
		name  string
		mod   FlowMod
		ofpet uint16
		code  uint16
	}{
		{"bad table", FlowMod{TableId: 5}, OFPET_FLOW_MOD_FAILED, OFPFMFC_BAD_TABLE_ID},
		{"bad flags", FlowMod{Flags: 1 << 7}, OFPET_FLOW_MOD_FAILED, OFPFMFC_BAD_FLAGS},
		{"goto backward", FlowMod{TableId: 1, Instructions: Instructions{Goto: 1}}, OFPET_BAD_INSTRUCTION, OFPBIC_BAD_TABLE_ID},
		{"goto beyond", FlowMod{Instructions: Instructions{Goto: 2}}, OFPET_BAD_INSTRUCTION, OFPBIC_BAD_TABLE_ID},
		{"prerequisite", FlowMod{Match: mustMatch(t, "tcp_dst=80")}, OFPET_BAD_MATCH, OFPBMC_BAD_PREREQ},
		{"wrong prerequisite", FlowMod{Match: mustMatch(t, "eth_type=0x0800,ip_proto=17,tcp_dst=80")}, OFPET_BAD_MATCH, OFPBMC_BAD_PREREQ},
		{"duplicate write", FlowMod{Instructions: Instructions{Write: ActionList{output(1), output(2)}}}, OFPET_BAD_ACTION, OFPBAC_TOO_MANY},
		{"port zero", FlowMod{Instructions: apply(output(0))}, OFPET_BAD_ACTION, OFPBAC_BAD_OUT_PORT},
		{"table port", FlowMod{Instructions: apply(output(oxm.OFPP_TABLE))}, OFPET_BAD_ACTION, OFPBAC_BAD_OUT_PORT},
		{"missing group", FlowMod{Instructions: apply(ActionGroup{GroupId: 3})}, OFPET_BAD_ACTION, OFPBAC_BAD_OUT_GROUP},
		{"metadata outside mask", FlowMod{Instructions: Instructions{Metadata: &WriteMetadata{Metadata: 3, Mask: 1}}}, OFPET_BAD_INSTRUCTION, OFPBIC_UNSUP_METADATA},
		{"push ethertype", FlowMod{Instructions: apply(ActionPush{Op: OFPAT_PUSH_VLAN, Ethertype: 0x1234})}, OFPET_BAD_ACTION, OFPBAC_BAD_ARGUMENT},
		{"in_port not settable", FlowMod{Instructions: apply(setField(t, "in_port", "3"))}, OFPET_BAD_ACTION, OFPBAC_BAD_SET_TYPE},
	}
	pipe := newTestPipeline(t, 2)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := pipe.AddFlow(c.mod)
			e, ok := AsError(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, ValidationError, e.Kind)
			assert.Equal(t, c.ofpet, e.Type)
			assert.Equal(t, c.code, e.Code)
		})
	}
	assert.Zero(t, pipe.TableStats()[0].ActiveCount)
	require.NoError(t, pipe.AddFlow(FlowMod{Match: mustMatch(t, "eth_type=0x0800,ip_proto=6,tcp_dst=80")}))
}

func TestTableCapacity(t *testing.T) {
	profile, err := ProfileFor(OFP13)
	require.NoError(t, err)
	profile.Table.MaxEntries = 1
	pipe, err := NewPipeline(1, profile)
	require.NoError(t, err)

	require.NoError(t, pipe.AddFlow(FlowMod{Match: mustMatch(t, "in_port=1")}))
	assert.True(t, IsCapacity(pipe.AddFlow(FlowMod{Match: mustMatch(t, "in_port=2")})))
	require.NoError(t, pipe.AddFlow(FlowMod{Match: mustMatch(t, "in_port=1"), Instructions: apply(output(2))}),
		"a replacement needs no room")
}

func TestOF10Profile(t *testing.T) {
	profile, err := ProfileFor(OFP10)
	require.NoError(t, err)
	pipe, err := NewPipeline(1, profile)
	require.NoError(t, err)

	assert.True(t, IsValidation(pipe.AddFlow(FlowMod{Instructions: Instructions{Write: ActionList{output(1)}}})))
	assert.True(t, IsValidation(pipe.AddFlow(FlowMod{Match: mustMatch(t, "eth_type=0x86dd,ipv6_dst=::1")})))
	assert.True(t, IsValidation(pipe.AddGroup(GroupMod{GroupId: 1, Type: OFPGT_ALL})))
	require.NoError(t, pipe.AddFlow(FlowMod{Match: mustMatch(t, "in_port=1"), Instructions: apply(output(2))}))
	assert.Equal(t, OFPTC_TABLE_MISS_CONTROLLER, pipe.TableStats()[0].Miss)
}

func TestModifyFlows(t *testing.T) {
	pipe := newTestPipeline(t, 1)
	require.NoError(t, pipe.AddFlow(FlowMod{Priority: 10, Cookie: 1, Match: mustMatch(t, "in_port=1"), Instructions: apply(output(2))}))
	require.NoError(t, pipe.AddFlow(FlowMod{Priority: 10, Cookie: 2, Match: mustMatch(t, "in_port=2"), Instructions: apply(output(2))}))
	pipe.Process(newFrame(t, "in_port=1"))

	require.NoError(t, pipe.ModifyFlows(FlowMod{Priority: 10, Match: mustMatch(t, "in_port=1"), Instructions: apply(output(3))}, true))
	assert.Equal(t, []uint32{3}, ports(pipe.Process(newFrame(t, "in_port=1"))))
	assert.Equal(t, []uint32{2}, ports(pipe.Process(newFrame(t, "in_port=2"))))

	err := pipe.ModifyFlows(FlowMod{Priority: 11, Match: mustMatch(t, "in_port=1"), Instructions: apply(output(3))}, true)
	assert.True(t, IsNotFound(err), "%v", err)
	require.NoError(t, pipe.ModifyFlows(FlowMod{Match: mustMatch(t, "in_port=9")}, false))

	// non-strict with a cookie filter
	require.NoError(t, pipe.ModifyFlows(FlowMod{Cookie: 2, CookieMask: 0xff, Instructions: apply(output(4))}, false))
	assert.Equal(t, []uint32{4}, ports(pipe.Process(newFrame(t, "in_port=2"))))
	assert.Equal(t, []uint32{3}, ports(pipe.Process(newFrame(t, "in_port=1"))))

	stats, err := pipe.FlowStats(AllFlows())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.EqualValues(t, 3, stats[0].PacketCount)

	require.NoError(t, pipe.ModifyFlows(FlowMod{Flags: OFPFF_RESET_COUNTS, Instructions: apply(output(5))}, false))
	agg, err := pipe.AggregateStats(AllFlows())
	require.NoError(t, err)
	assert.Equal(t, AggregateStats{FlowCount: 2}, agg)
}

func TestDeleteFlows(t *testing.T) {
	pipe := newTestPipeline(t, 2)
	require.NoError(t, pipe.AddFlow(FlowMod{Priority: 1, Match: mustMatch(t, "in_port=1"), Instructions: apply(output(2))}))
	require.NoError(t, pipe.AddFlow(FlowMod{Priority: 2, Match: mustMatch(t, "in_port=1,eth_type=0x0806"), Instructions: apply(output(3))}))
	require.NoError(t, pipe.AddFlow(FlowMod{TableId: 1, Priority: 1, Match: mustMatch(t, "in_port=2"), Instructions: apply(output(3))}))

	byPort := AllFlows()
	byPort.OutPort = 3
	stats, err := pipe.FlowStats(byPort)
	require.NoError(t, err)
	assert.Len(t, stats, 2)

	strict := AllFlows()
	strict.Strict = true
	strict.Priority = 3
	strict.Match = mustMatch(t, "in_port=1")
	_, err = pipe.DeleteFlows(strict)
	assert.True(t, IsNotFound(err))

	covered := AllFlows()
	covered.Match = mustMatch(t, "in_port=1")
	n, err := pipe.DeleteFlows(covered)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = pipe.DeleteFlows(AllFlows())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExpire(t *testing.T) {
	clock := newClock()
	var removed []FlowRemoved
	pipe := newTestPipeline(t, 1, WithClock(clock.Now), WithFlowRemoved(func(r FlowRemoved) {
		removed = append(removed, r)
	}))
	require.NoError(t, pipe.AddFlow(FlowMod{Match: mustMatch(t, "in_port=1"), IdleTimeout: 10, Flags: OFPFF_SEND_FLOW_REM, Instructions: apply(output(2))}))
	require.NoError(t, pipe.AddFlow(FlowMod{Match: mustMatch(t, "in_port=2"), HardTimeout: 5, Flags: OFPFF_SEND_FLOW_REM}))
	require.NoError(t, pipe.AddFlow(FlowMod{Match: mustMatch(t, "in_port=3")}))

	clock.advance(4 * time.Second)
	pipe.Process(newFrame(t, "in_port=1"))
	assert.Equal(t, 1, pipe.Expire(clock.advance(time.Second)))
	assert.Zero(t, pipe.Expire(clock.advance(8*time.Second)))
	assert.Equal(t, 1, pipe.Expire(clock.advance(time.Second)))

	var reasons []uint8
	for _, r := range removed {
		reasons = append(reasons, r.Reason)
	}
	assert.Equal(t, []uint8{OFPRR_HARD_TIMEOUT, OFPRR_IDLE_TIMEOUT}, reasons)
	assert.EqualValues(t, 1, removed[1].PacketCount)
	assert.Equal(t, 14*time.Second, removed[1].Duration)
	assert.EqualValues(t, 1, pipe.TableStats()[0].ActiveCount)
}

func TestExecute(t *testing.T) {
	pipe := newTestPipeline(t, 1)
	assert.NoError(t, pipe.validatePacketOut(ActionList{output(oxm.OFPP_TABLE)}))
	assert.True(t, IsValidation(pipe.validatePacketOut(ActionList{ActionGroup{GroupId: 1}})))

	outs := pipe.Execute(newFrame(t, "in_port=1"), ActionList{output(2), output(oxm.OFPP_TABLE)})
	assert.Equal(t, []uint32{2, oxm.OFPP_TABLE}, ports(outs))
}

// randomFlow builds a match over in_port, eth_dst and ipv4_dst from a small
// value space so that entries overlap often.
func randomFlow(r *rand.Rand) string {
	var parts []string
	if r.Intn(2) == 0 {
		parts = append(parts, fmt.Sprintf("in_port=%d", 1+r.Intn(3)))
	}
	if r.Intn(3) == 0 {
		mask := 1 + r.Intn(3)
		parts = append(parts, fmt.Sprintf("eth_dst=00:00:00:00:00:%02x/00:00:00:00:00:%02x", r.Intn(4)&mask, mask))
	}
	if r.Intn(3) != 0 {
		parts = append(parts, "eth_type=0x0800")
		octet := func() int { return r.Intn(2) }
		switch r.Intn(5) {
		case 0:
			parts = append(parts, "ipv4_dst=10.0.0.0/8")
		case 1:
			parts = append(parts, fmt.Sprintf("ipv4_dst=10.%d.0.0/16", octet()))
		case 2:
			parts = append(parts, fmt.Sprintf("ipv4_dst=10.%d.%d.0/24", octet(), octet()))
		case 3:
			parts = append(parts, fmt.Sprintf("ipv4_dst=10.%d.%d.%d", octet(), octet(), octet()))
		}
	}
	return strings.Join(parts, ",")
}

func randomPacket(r *rand.Rand) string {
	head := fmt.Sprintf("in_port=%d,eth_dst=00:00:00:00:00:%02x", 1+r.Intn(3), r.Intn(4))
	if r.Intn(4) == 0 {
		return head + ",eth_type=0x0806"
	}
	return head + fmt.Sprintf(",eth_type=0x0800,ipv4_dst=10.%d.%d.%d", r.Intn(2), r.Intn(2), r.Intn(2))
}

func TestStrategiesAgree(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	loop := newTestPipeline(t, 1, WithStrategy("loop"))
	hash := newTestPipeline(t, 1, WithStrategy("hash"))
	for i := 0; i < 200; i++ {
		mod := FlowMod{
			Priority:     uint16(1 + r.Intn(4)),
			Match:        mustMatch(t, randomFlow(r)),
			Instructions: apply(output(uint32(i + 1))),
		}
		errLoop, errHash := loop.AddFlow(mod), hash.AddFlow(mod)
		require.Equal(t, errLoop == nil, errHash == nil)
		if i%17 == 16 {
			filter := AllFlows()
			filter.Match = mustMatch(t, randomFlow(r))
			n1, err := loop.DeleteFlows(filter)
			require.NoError(t, err)
			n2, err := hash.DeleteFlows(filter)
			require.NoError(t, err)
			require.Equal(t, n1, n2)
		}
	}
	for i := 0; i < 500; i++ {
		pkt := randomPacket(r)
		a := ports(loop.Process(newFrame(t, pkt)))
		b := ports(hash.Process(newFrame(t, pkt)))
		require.Equal(t, a, b, pkt)
	}

	summary := func(pipe *Pipeline) []string {
		stats, err := pipe.FlowStats(AllFlows())
		require.NoError(t, err)
		var ret []string
		for _, st := range stats {
			ret = append(ret, fmt.Sprintf("%d %v %d", st.Priority, st.Match, st.PacketCount))
		}
		return ret
	}
	if diff := cmp.Diff(summary(loop), summary(hash)); diff != "" {
		t.Errorf("flow stats differ (-loop +hash):\n%s", diff)
	}
}

func TestUnknownStrategy(t *testing.T) {
	profile, err := ProfileFor(OFP13)
	require.NoError(t, err)
	_, err = NewPipeline(1, profile, WithStrategy("nope"))
	assert.Error(t, err)
	_, err = NewPipeline(0, profile)
	assert.Error(t, err)

	RegisterStrategy("loop2", func() MatchStrategy { return &loopStrategy{} })
	_, err = NewPipeline(1, profile, WithStrategy("loop2"))
	assert.NoError(t, err)
}
