package ofp4sw

import (
	"fmt"

	"github.com/hkwi/ofpipe/oxm"
)

// Version is the openflow wire version a switch is configured for.
type Version uint8

const (
	OFP10 Version = 0x01
	OFP12 Version = 0x03
	OFP13 Version = 0x04
)

func (v Version) String() string {
	switch v {
	case OFP10:
		return "1.0"
	case OFP12:
		return "1.2"
	case OFP13:
		return "1.3"
	default:
		return fmt.Sprintf("0x%02x", uint8(v))
	}
}

func ParseVersion(s string) (Version, error) {
	switch s {
	case "1.0", "of10", "OpenFlow10":
		return OFP10, nil
	case "1.2", "of12", "OpenFlow12":
		return OFP12, nil
	case "1.3", "of13", "OpenFlow13":
		return OFP13, nil
	}
	return 0, fmt.Errorf("unsupported openflow version %q", s)
}

// TableMiss selects what happens to a packet no entry matched.
type TableMiss uint8

const (
	OFPTC_TABLE_MISS_CONTROLLER TableMiss = iota
	OFPTC_TABLE_MISS_CONTINUE
	OFPTC_TABLE_MISS_DROP
)

func (m TableMiss) String() string {
	switch m {
	case OFPTC_TABLE_MISS_CONTROLLER:
		return "controller"
	case OFPTC_TABLE_MISS_CONTINUE:
		return "continue"
	case OFPTC_TABLE_MISS_DROP:
		return "drop"
	default:
		return fmt.Sprintf("miss(%d)", uint8(m))
	}
}

func ParseTableMiss(s string) (TableMiss, error) {
	switch s {
	case "controller":
		return OFPTC_TABLE_MISS_CONTROLLER, nil
	case "continue":
		return OFPTC_TABLE_MISS_CONTINUE, nil
	case "drop":
		return OFPTC_TABLE_MISS_DROP, nil
	}
	return 0, fmt.Errorf("unknown table miss policy %q", s)
}

// ActionTypes is a bitmap of OFPAT_* action types.
type ActionTypes uint32

func NewActionTypes(types ...ActionType) ActionTypes {
	var s ActionTypes
	for _, t := range types {
		s |= 1 << t
	}
	return s
}

func (s ActionTypes) Has(t ActionType) bool {
	return t < 32 && s&(1<<t) != 0
}

// InstructionTypes is a bitmap of OFPIT_* instruction types.
type InstructionTypes uint32

func NewInstructionTypes(types ...InstructionType) InstructionTypes {
	var s InstructionTypes
	for _, t := range types {
		s |= 1 << t
	}
	return s
}

func (s InstructionTypes) Has(t InstructionType) bool {
	return t < 32 && s&(1<<t) != 0
}

// GroupTypes is a bitmap of OFPGT_* group types.
type GroupTypes uint8

func NewGroupTypes(types ...GroupType) GroupTypes {
	var s GroupTypes
	for _, t := range types {
		s |= 1 << t
	}
	return s
}

func (s GroupTypes) Has(t GroupType) bool {
	return t < 8 && s&(1<<t) != 0
}

// TableFeature is the capability profile a flow table advertises and
// validates entries against.
type TableFeature struct {
	Name          string
	MaxEntries    uint32
	MetadataMatch uint64
	MetadataWrite uint64
	Match         oxm.FieldSet // fields that may appear in a match
	Wildcards     oxm.FieldSet // fields that may carry a partial mask
	Instructions  InstructionTypes
	ApplyActions  ActionTypes
	WriteActions  ActionTypes
	ApplySetfield oxm.FieldSet
	WriteSetfield oxm.FieldSet
	Miss          TableMiss
}

// GroupFeatures is the capability profile of a group table.
type GroupFeatures struct {
	Types     GroupTypes
	MaxGroups uint32
	Actions   ActionTypes
	Setfield  oxm.FieldSet
}

// Profile bundles the per-version defaults applied on (re)configuration.
type Profile struct {
	Version Version
	Table   TableFeature
	Group   GroupFeatures
}

var of10Fields = oxm.NewFieldSet(
	oxm.OFPXMT_OFB_IN_PORT,
	oxm.OFPXMT_OFB_ETH_DST,
	oxm.OFPXMT_OFB_ETH_SRC,
	oxm.OFPXMT_OFB_ETH_TYPE,
	oxm.OFPXMT_OFB_VLAN_VID,
	oxm.OFPXMT_OFB_VLAN_PCP,
	oxm.OFPXMT_OFB_IP_DSCP,
	oxm.OFPXMT_OFB_IP_PROTO,
	oxm.OFPXMT_OFB_IPV4_SRC,
	oxm.OFPXMT_OFB_IPV4_DST,
	oxm.OFPXMT_OFB_TCP_SRC,
	oxm.OFPXMT_OFB_TCP_DST,
	oxm.OFPXMT_OFB_UDP_SRC,
	oxm.OFPXMT_OFB_UDP_DST,
	oxm.OFPXMT_OFB_ICMPV4_TYPE,
	oxm.OFPXMT_OFB_ICMPV4_CODE,
)

var of10Setfield = oxm.NewFieldSet(
	oxm.OFPXMT_OFB_ETH_DST,
	oxm.OFPXMT_OFB_ETH_SRC,
	oxm.OFPXMT_OFB_VLAN_VID,
	oxm.OFPXMT_OFB_VLAN_PCP,
	oxm.OFPXMT_OFB_IP_DSCP,
	oxm.OFPXMT_OFB_IPV4_SRC,
	oxm.OFPXMT_OFB_IPV4_DST,
	oxm.OFPXMT_OFB_TCP_SRC,
	oxm.OFPXMT_OFB_TCP_DST,
	oxm.OFPXMT_OFB_UDP_SRC,
	oxm.OFPXMT_OFB_UDP_DST,
)

var of12Fields = oxm.AllFields.
	Remove(oxm.OFPXMT_OFB_PBB_ISID).
	Remove(oxm.OFPXMT_OFB_TUNNEL_ID).
	Remove(oxm.OFPXMT_OFB_IPV6_EXTHDR)

func maskableFields(s oxm.FieldSet) oxm.FieldSet {
	var ret oxm.FieldSet
	s.Each(func(f oxm.Field) {
		if f.Maskable() {
			ret = ret.Add(f)
		}
	})
	return ret
}

// settable fields exclude pipeline registers that only instructions write.
func settableFields(s oxm.FieldSet) oxm.FieldSet {
	return s.Remove(oxm.OFPXMT_OFB_IN_PORT).
		Remove(oxm.OFPXMT_OFB_IN_PHY_PORT).
		Remove(oxm.OFPXMT_OFB_METADATA).
		Remove(oxm.OFPXMT_OFB_IPV6_EXTHDR)
}

var of13Actions = NewActionTypes(
	OFPAT_OUTPUT,
	OFPAT_COPY_TTL_OUT,
	OFPAT_COPY_TTL_IN,
	OFPAT_SET_MPLS_TTL,
	OFPAT_DEC_MPLS_TTL,
	OFPAT_PUSH_VLAN,
	OFPAT_POP_VLAN,
	OFPAT_PUSH_MPLS,
	OFPAT_POP_MPLS,
	OFPAT_SET_QUEUE,
	OFPAT_GROUP,
	OFPAT_SET_NW_TTL,
	OFPAT_DEC_NW_TTL,
	OFPAT_SET_FIELD,
	OFPAT_PUSH_PBB,
	OFPAT_POP_PBB,
)

var of12Actions = of13Actions &^ NewActionTypes(OFPAT_PUSH_PBB, OFPAT_POP_PBB)

var of10Actions = NewActionTypes(
	OFPAT_OUTPUT,
	OFPAT_SET_FIELD,
	OFPAT_SET_QUEUE,
	OFPAT_PUSH_VLAN,
	OFPAT_POP_VLAN,
)

var allInstructions = NewInstructionTypes(
	OFPIT_GOTO_TABLE,
	OFPIT_WRITE_METADATA,
	OFPIT_WRITE_ACTIONS,
	OFPIT_APPLY_ACTIONS,
	OFPIT_CLEAR_ACTIONS,
)

// ProfileFor returns the default capability profile of an openflow version.
// Group actions never include OFPAT_GROUP since group chaining is not
// supported.
func ProfileFor(v Version) (Profile, error) {
	switch v {
	case OFP10:
		return Profile{
			Version: v,
			Table: TableFeature{
				Name:         "of10",
				MaxEntries:   0xffffffff,
				Match:        of10Fields,
				Wildcards:    oxm.NewFieldSet(oxm.OFPXMT_OFB_IPV4_SRC, oxm.OFPXMT_OFB_IPV4_DST),
				Instructions: NewInstructionTypes(OFPIT_APPLY_ACTIONS),
				ApplyActions: of10Actions,
				// ApplySetfield only; OpenFlow 1.0 has no action set.
				ApplySetfield: of10Setfield,
				Miss:          OFPTC_TABLE_MISS_CONTROLLER,
			},
		}, nil
	case OFP12, OFP13:
		fields, actions, name := of12Fields, of12Actions, "of12"
		if v == OFP13 {
			fields, actions, name = oxm.AllFields, of13Actions, "of13"
		}
		return Profile{
			Version: v,
			Table: TableFeature{
				Name:          name,
				MaxEntries:    0xffffffff,
				MetadataMatch: 0xffffffffffffffff,
				MetadataWrite: 0xffffffffffffffff,
				Match:         fields,
				Wildcards:     maskableFields(fields),
				Instructions:  allInstructions,
				ApplyActions:  actions,
				WriteActions:  actions,
				ApplySetfield: settableFields(fields),
				WriteSetfield: settableFields(fields),
				Miss:          OFPTC_TABLE_MISS_CONTINUE,
			},
			Group: GroupFeatures{
				Types:     NewGroupTypes(OFPGT_ALL, OFPGT_INDIRECT),
				MaxGroups: 0xffffff00,
				Actions:   actions &^ NewActionTypes(OFPAT_GROUP),
				Setfield:  settableFields(fields),
			},
		}, nil
	}
	return Profile{}, fmt.Errorf("no profile for openflow version %v", v)
}
