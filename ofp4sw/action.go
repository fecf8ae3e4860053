package ofp4sw

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hkwi/ofpipe/oxm"
	"github.com/pkg/errors"
)

// ActionType is an OFPAT_* action type.
type ActionType uint16

const (
	OFPAT_OUTPUT       ActionType = 0
	OFPAT_COPY_TTL_OUT ActionType = 11
	OFPAT_COPY_TTL_IN  ActionType = 12
	OFPAT_SET_MPLS_TTL ActionType = 15
	OFPAT_DEC_MPLS_TTL ActionType = 16
	OFPAT_PUSH_VLAN    ActionType = 17
	OFPAT_POP_VLAN     ActionType = 18
	OFPAT_PUSH_MPLS    ActionType = 19
	OFPAT_POP_MPLS     ActionType = 20
	OFPAT_SET_QUEUE    ActionType = 21
	OFPAT_GROUP        ActionType = 22
	OFPAT_SET_NW_TTL   ActionType = 23
	OFPAT_DEC_NW_TTL   ActionType = 24
	OFPAT_SET_FIELD    ActionType = 25
	OFPAT_PUSH_PBB     ActionType = 26
	OFPAT_POP_PBB      ActionType = 27
)

var actionNames = map[ActionType]string{
	OFPAT_OUTPUT:       "output",
	OFPAT_COPY_TTL_OUT: "copy_ttl_out",
	OFPAT_COPY_TTL_IN:  "copy_ttl_in",
	OFPAT_SET_MPLS_TTL: "set_mpls_ttl",
	OFPAT_DEC_MPLS_TTL: "dec_mpls_ttl",
	OFPAT_PUSH_VLAN:    "push_vlan",
	OFPAT_POP_VLAN:     "pop_vlan",
	OFPAT_PUSH_MPLS:    "push_mpls",
	OFPAT_POP_MPLS:     "pop_mpls",
	OFPAT_SET_QUEUE:    "set_queue",
	OFPAT_GROUP:        "group",
	OFPAT_SET_NW_TTL:   "set_nw_ttl",
	OFPAT_DEC_NW_TTL:   "dec_nw_ttl",
	OFPAT_SET_FIELD:    "set_field",
	OFPAT_PUSH_PBB:     "push_pbb",
	OFPAT_POP_PBB:      "pop_pbb",
}

func (t ActionType) String() string {
	if name, ok := actionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint16(t))
}

// ActionTypeByName resolves the lower case action name.
func ActionTypeByName(name string) (ActionType, bool) {
	for t, n := range actionNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// packet-in reasons
const (
	OFPR_NO_MATCH    = 0
	OFPR_ACTION      = 1
	OFPR_INVALID_TTL = 2
)

// OFPCML_NO_BUFFER asks for the whole packet on packet-in.
const OFPCML_NO_BUFFER = 0xffff

type outputToPort struct {
	data    *Frame // set only when the action produced its own copy
	outPort uint32
	maxLen  uint16
	reason  uint8
}

type outputToGroup struct {
	groupId uint32
}

// Action is a single OFPAT_* operation on a frame.
type Action interface {
	Type() ActionType
	String() string
	process(f *Frame) (*outputToPort, *outputToGroup, error)
}

type ActionOutput struct {
	Port   uint32
	MaxLen uint16
}

func (a ActionOutput) Type() ActionType { return OFPAT_OUTPUT }

func (a ActionOutput) String() string {
	if a.Port == oxm.OFPP_CONTROLLER && a.MaxLen != OFPCML_NO_BUFFER {
		return fmt.Sprintf("output=controller:%d", a.MaxLen)
	}
	return "output=" + oxm.PortString(a.Port)
}

func (a ActionOutput) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	return &outputToPort{
		outPort: a.Port,
		maxLen:  a.MaxLen,
		reason:  OFPR_ACTION,
	}, nil, nil
}

type ActionGroup struct {
	GroupId uint32
}

func (a ActionGroup) Type() ActionType { return OFPAT_GROUP }

func (a ActionGroup) String() string { return fmt.Sprintf("group=%d", a.GroupId) }

func (a ActionGroup) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	return nil, &outputToGroup{groupId: a.GroupId}, nil
}

type ActionSetQueue struct {
	QueueId uint32
}

func (a ActionSetQueue) Type() ActionType { return OFPAT_SET_QUEUE }

func (a ActionSetQueue) String() string { return fmt.Sprintf("set_queue=%d", a.QueueId) }

func (a ActionSetQueue) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	f.queueId = a.QueueId
	return nil, nil, nil
}

type ActionSetField struct {
	Field oxm.Field
	Value oxm.Value
}

func (a ActionSetField) Type() ActionType { return OFPAT_SET_FIELD }

func (a ActionSetField) String() string {
	return fmt.Sprintf("set_field=%s->%s", oxm.FormatValue(a.Field, a.Value), a.Field)
}

func (a ActionSetField) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	if !f.fields.Has(a.Field) && a.Field != oxm.OFPXMT_OFB_TUNNEL_ID {
		return nil, nil, errors.Errorf("set_field %v on frame without the header", a.Field)
	}
	v := a.Value
	if a.Field == oxm.OFPXMT_OFB_VLAN_VID {
		if f.value(oxm.OFPXMT_OFB_VLAN_VID)&oxm.OFPVID_PRESENT == 0 {
			return nil, nil, errors.New("set_field vlan_vid on untagged frame")
		}
		v = v.Or(oxm.U64(oxm.OFPVID_PRESENT))
	}
	f.SetField(a.Field, v)
	return nil, nil, nil
}

// ActionNwTtl is OFPAT_SET_NW_TTL.
type ActionNwTtl struct {
	Ttl uint8
}

func (a ActionNwTtl) Type() ActionType { return OFPAT_SET_NW_TTL }

func (a ActionNwTtl) String() string { return fmt.Sprintf("set_nw_ttl=%d", a.Ttl) }

func (a ActionNwTtl) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	if !f.hasNwTtl {
		return nil, nil, errors.New("set_nw_ttl on non-ip frame")
	}
	f.nwTtl = a.Ttl
	return nil, nil, nil
}

// ActionMplsTtl is OFPAT_SET_MPLS_TTL.
type ActionMplsTtl struct {
	Ttl uint8
}

func (a ActionMplsTtl) Type() ActionType { return OFPAT_SET_MPLS_TTL }

func (a ActionMplsTtl) String() string { return fmt.Sprintf("set_mpls_ttl=%d", a.Ttl) }

func (a ActionMplsTtl) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	if !f.fields.Has(oxm.OFPXMT_OFB_MPLS_LABEL) {
		return nil, nil, errors.New("set_mpls_ttl on non-mpls frame")
	}
	f.mplsTtl = a.Ttl
	return nil, nil, nil
}

// ActionPush covers PUSH_VLAN, PUSH_MPLS and PUSH_PBB.
type ActionPush struct {
	Op        ActionType
	Ethertype uint16
}

func (a ActionPush) Type() ActionType { return a.Op }

func (a ActionPush) String() string { return fmt.Sprintf("%v=0x%04x", a.Op, a.Ethertype) }

func (a ActionPush) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	switch a.Op {
	case OFPAT_PUSH_VLAN:
		f.pushVlan(a.Ethertype)
	case OFPAT_PUSH_MPLS:
		f.pushMpls(a.Ethertype)
	case OFPAT_PUSH_PBB:
		f.pushPbb(a.Ethertype)
	default:
		return nil, nil, errors.Errorf("%v is not a push action", a.Op)
	}
	return nil, nil, nil
}

// ActionPopMpls carries the ethertype of the payload after the pop.
type ActionPopMpls struct {
	Ethertype uint16
}

func (a ActionPopMpls) Type() ActionType { return OFPAT_POP_MPLS }

func (a ActionPopMpls) String() string { return fmt.Sprintf("pop_mpls=0x%04x", a.Ethertype) }

func (a ActionPopMpls) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	return nil, nil, f.popMpls(a.Ethertype)
}

// ActionGeneric is an action that has no argument.
type ActionGeneric ActionType

func (a ActionGeneric) Type() ActionType { return ActionType(a) }

func (a ActionGeneric) String() string { return ActionType(a).String() }

func invalidTtl(f *Frame) *outputToPort {
	pout := &outputToPort{
		data:    f.clone(),
		outPort: oxm.OFPP_CONTROLLER,
		maxLen:  OFPCML_NO_BUFFER,
		reason:  OFPR_INVALID_TTL,
	}
	f.invalidate()
	return pout
}

func (a ActionGeneric) process(f *Frame) (*outputToPort, *outputToGroup, error) {
	switch ActionType(a) {
	case OFPAT_COPY_TTL_OUT:
		if !f.fields.Has(oxm.OFPXMT_OFB_MPLS_LABEL) {
			return nil, nil, errors.New("copy_ttl_out without mpls")
		}
		if len(f.mplses) > 0 {
			f.mplsTtl = f.mplses[0].ttl
		} else if f.hasNwTtl {
			f.mplsTtl = f.nwTtl
		}
	case OFPAT_COPY_TTL_IN:
		if !f.fields.Has(oxm.OFPXMT_OFB_MPLS_LABEL) {
			return nil, nil, errors.New("copy_ttl_in without mpls")
		}
		if len(f.mplses) > 0 {
			f.mplses[0].ttl = f.mplsTtl
		} else if f.hasNwTtl {
			f.nwTtl = f.mplsTtl
		}
	case OFPAT_DEC_MPLS_TTL:
		if !f.fields.Has(oxm.OFPXMT_OFB_MPLS_LABEL) {
			return nil, nil, errors.New("dec_mpls_ttl on non-mpls frame")
		}
		if f.mplsTtl > 0 {
			f.mplsTtl--
		}
		if f.mplsTtl == 0 {
			return invalidTtl(f), nil, nil
		}
	case OFPAT_DEC_NW_TTL:
		if !f.hasNwTtl {
			return nil, nil, errors.New("dec_nw_ttl on non-ip frame")
		}
		if f.nwTtl > 0 {
			f.nwTtl--
		}
		if f.nwTtl == 0 {
			return invalidTtl(f), nil, nil
		}
	case OFPAT_POP_VLAN:
		return nil, nil, f.popVlan()
	case OFPAT_POP_PBB:
		return nil, nil, f.popPbb()
	default:
		return nil, nil, errors.Errorf("%v requires an argument", ActionType(a))
	}
	return nil, nil, nil
}

// ActionList is an ordered list of actions, used by apply-actions, group
// buckets and packet-out.
type ActionList []Action

func (list ActionList) String() string {
	ret := make([]string, len(list))
	for i, act := range list {
		ret[i] = act.String()
	}
	return strings.Join(ret, ",")
}

// outputCount is the number of direct OUTPUT actions.
func (list ActionList) outputCount() int {
	n := 0
	for _, act := range list {
		if act.Type() == OFPAT_OUTPUT {
			n++
		}
	}
	return n
}

func (list ActionList) groups() []uint32 {
	var ret []uint32
	for _, act := range list {
		if g, ok := act.(ActionGroup); ok {
			ret = append(ret, g.GroupId)
		}
	}
	return ret
}

func (list ActionList) hasOutput(port uint32) bool {
	for _, act := range list {
		if o, ok := act.(ActionOutput); ok && o.Port == port {
			return true
		}
	}
	return false
}

func (list ActionList) hasGroup(groupId uint32) bool {
	for _, act := range list {
		if g, ok := act.(ActionGroup); ok && g.GroupId == groupId {
			return true
		}
	}
	return false
}

// actionCaps is what an action list is validated against.
type actionCaps struct {
	types      ActionTypes
	setfield   oxm.FieldSet
	allowTable bool // OFPP_TABLE is an output only for packet-out
	allowGroup bool
}

func validOutputPort(port uint32, allowTable bool) bool {
	switch port {
	case oxm.OFPP_IN_PORT, oxm.OFPP_FLOOD, oxm.OFPP_ALL, oxm.OFPP_CONTROLLER, oxm.OFPP_LOCAL:
		return true
	case oxm.OFPP_TABLE:
		return allowTable
	}
	return port != 0 && port <= oxm.OFPP_MAX
}

func (list ActionList) validate(caps actionCaps) error {
	for _, act := range list {
		if err := validateAction(act, caps); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(act Action, caps actionCaps) error {
	if _, ok := act.(ActionGroup); ok && !caps.allowGroup {
		return validationError(OFPET_GROUP_MOD_FAILED, OFPGMFC_CHAINING_UNSUPPORTED, "group chaining is not supported")
	}
	if !caps.types.Has(act.Type()) {
		return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_TYPE, "%v not supported", act.Type())
	}
	switch a := act.(type) {
	case ActionOutput:
		if !validOutputPort(a.Port, caps.allowTable) {
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_OUT_PORT, "bad output port %s", oxm.PortString(a.Port))
		}
	case ActionGroup:
		if a.GroupId > OFPG_MAX {
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_OUT_GROUP, "bad group id 0x%x", a.GroupId)
		}
	case ActionSetField:
		if !caps.setfield.Has(a.Field) {
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_SET_TYPE, "%v is not settable", a.Field)
		}
		if !a.Value.AndNot(a.Field.FullMask()).IsZero() {
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_SET_ARGUMENT, "%v value exceeds field width", a.Field)
		}
	case ActionPush:
		var ok bool
		switch a.Op {
		case OFPAT_PUSH_VLAN:
			ok = a.Ethertype == ethTypeDot1Q || a.Ethertype == ethTypeQinQ
		case OFPAT_PUSH_MPLS:
			ok = a.Ethertype == ethTypeMPLS || a.Ethertype == ethTypeMPLSm
		case OFPAT_PUSH_PBB:
			ok = a.Ethertype == ethTypePBB
		}
		if !ok {
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_ARGUMENT, "%v with ethertype 0x%04x", a.Op, a.Ethertype)
		}
	case ActionGeneric:
		switch ActionType(a) {
		case OFPAT_COPY_TTL_OUT, OFPAT_COPY_TTL_IN, OFPAT_DEC_MPLS_TTL,
			OFPAT_DEC_NW_TTL, OFPAT_POP_VLAN, OFPAT_POP_PBB:
		default:
			return validationError(OFPET_BAD_ACTION, OFPBAC_BAD_LEN, "%v requires an argument", ActionType(a))
		}
	}
	return nil
}

// actionKey identifies a slot of the action set. set-field has one slot
// per field.
type actionKey struct {
	Type  ActionType
	Field oxm.Field
}

func keyOf(act Action) actionKey {
	if sf, ok := act.(ActionSetField); ok {
		return actionKey{Type: OFPAT_SET_FIELD, Field: sf.Field}
	}
	return actionKey{Type: act.Type()}
}

// actionSet is the per-packet write-actions accumulator.
type actionSet map[actionKey]Action

func newActionSet(list ActionList) (actionSet, error) {
	set := make(actionSet, len(list))
	for _, act := range list {
		key := keyOf(act)
		if _, dup := set[key]; dup {
			return nil, validationError(OFPET_BAD_ACTION, OFPBAC_TOO_MANY, "%v appears twice in write-actions", act.Type())
		}
		set[key] = act
	}
	return set, nil
}

// write merges src into the set; later writes overwrite.
func (set actionSet) write(src actionSet) actionSet {
	if set == nil {
		set = make(actionSet, len(src))
	}
	for k, act := range src {
		set[k] = act
	}
	return set
}

var actionSetOrder = [...]ActionType{
	OFPAT_COPY_TTL_IN,
	OFPAT_POP_VLAN,
	OFPAT_POP_MPLS,
	OFPAT_POP_PBB,
	OFPAT_PUSH_MPLS,
	OFPAT_PUSH_PBB,
	OFPAT_PUSH_VLAN,
	OFPAT_COPY_TTL_OUT,
	OFPAT_DEC_MPLS_TTL,
	OFPAT_DEC_NW_TTL,
	OFPAT_SET_MPLS_TTL,
	OFPAT_SET_NW_TTL,
	OFPAT_SET_FIELD,
	OFPAT_SET_QUEUE,
	OFPAT_GROUP,
	OFPAT_OUTPUT,
}

// list returns the set in execution order. GROUP suppresses OUTPUT.
func (set actionSet) list() ActionList {
	var ret ActionList
	for _, t := range actionSetOrder {
		if t == OFPAT_SET_FIELD {
			var fields []actionKey
			for k := range set {
				if k.Type == OFPAT_SET_FIELD {
					fields = append(fields, k)
				}
			}
			sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
			for _, k := range fields {
				ret = append(ret, set[k])
			}
			continue
		}
		if act, ok := set[actionKey{Type: t}]; ok {
			ret = append(ret, act)
			if t == OFPAT_GROUP {
				break
			}
		}
	}
	return ret
}
