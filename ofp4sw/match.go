package ofp4sw

import (
	"math/bits"

	"github.com/hkwi/ofpipe/oxm"
)

// Match is the left hand side of a flow entry: one ternary per field type.
// Absent fields are wildcards.
type Match struct {
	fields  [oxm.FieldMax]oxm.ValueMask
	present oxm.FieldSet
}

// NewMatch builds a match from a field list. Fully wildcarded ternaries are
// dropped.
func NewMatch(list ...oxm.Oxm) (Match, error) {
	var m Match
	for _, o := range list {
		if !o.Field.Valid() {
			return Match{}, validationError(OFPET_BAD_MATCH, OFPBMC_BAD_FIELD, "unknown field %v", o.Field)
		}
		if m.present.Has(o.Field) {
			return Match{}, validationError(OFPET_BAD_MATCH, OFPBMC_DUP_FIELD, "%v appears twice", o.Field)
		}
		if !o.Value.AndNot(o.Mask).IsZero() {
			return Match{}, validationError(OFPET_BAD_MATCH, OFPBMC_BAD_WILDCARDS, "%v value has bits outside of mask", o.Field)
		}
		if !o.Mask.AndNot(o.Field.FullMask()).IsZero() {
			return Match{}, validationError(OFPET_BAD_MATCH, OFPBMC_BAD_LEN, "%v mask exceeds field width", o.Field)
		}
		if !o.IsExact(o.Field) && !o.IsWildcard() && !o.Field.Maskable() {
			return Match{}, validationError(OFPET_BAD_MATCH, OFPBMC_BAD_MASK, "%v is not maskable", o.Field)
		}
		m.set(o.Field, o.ValueMask)
	}
	return m, nil
}

// MatchFromString parses "in_port=1,eth_type=0x0800,ipv4_dst=10.0.0.0/8".
func MatchFromString(txt string) (Match, error) {
	list, err := oxm.Parse(txt)
	if err != nil {
		return Match{}, validationError(OFPET_BAD_MATCH, OFPBMC_BAD_VALUE, "%v", err)
	}
	return NewMatch(list...)
}

func (m *Match) set(f oxm.Field, vm oxm.ValueMask) {
	if vm.IsWildcard() {
		m.fields[f] = oxm.ValueMask{}
		m.present = m.present.Remove(f)
		return
	}
	m.fields[f] = vm
	m.present = m.present.Add(f)
}

func (m Match) Get(f oxm.Field) (oxm.ValueMask, bool) {
	if !m.present.Has(f) {
		return oxm.ValueMask{}, false
	}
	return m.fields[f], true
}

// Fields returns the set of non-wildcard fields.
func (m Match) Fields() oxm.FieldSet {
	return m.present
}

func (m Match) Len() int {
	return m.present.Len()
}

// Oxms lists the non-wildcard ternaries in field order.
func (m Match) Oxms() []oxm.Oxm {
	var ret []oxm.Oxm
	m.present.Each(func(f oxm.Field) {
		ret = append(ret, oxm.Oxm{Field: f, ValueMask: m.fields[f]})
	})
	return ret
}

func (m Match) String() string {
	return oxm.FormatAll(m.Oxms())
}

// Matches reports whether every ternary is satisfied by the frame. A frame
// that lacks a constrained field does not match.
func (m *Match) Matches(f *Frame) bool {
	for rest := uint64(m.present); rest != 0; rest &= rest - 1 {
		field := oxm.Field(bits.TrailingZeros64(rest))
		v, ok := f.fields.Get(field)
		if !ok || !m.fields[field].Matches(v) {
			return false
		}
	}
	return true
}

// Overlaps reports whether some packet could match both m and o.
func (m *Match) Overlaps(o *Match) bool {
	for rest := uint64(m.present & o.present); rest != 0; rest &= rest - 1 {
		field := oxm.Field(bits.TrailingZeros64(rest))
		if !m.fields[field].Overlaps(o.fields[field]) {
			return false
		}
	}
	return true
}

// Covers reports whether every packet matching o also matches m.
func (m *Match) Covers(o *Match) bool {
	if m.present&^o.present != 0 {
		return false
	}
	for rest := uint64(m.present); rest != 0; rest &= rest - 1 {
		field := oxm.Field(bits.TrailingZeros64(rest))
		if !m.fields[field].Covers(o.fields[field]) {
			return false
		}
	}
	return true
}

func (m *Match) Equal(o *Match) bool {
	return m.present == o.present && m.fields == o.fields
}

// Generalize returns the most specific match covering both m and o.
func (m *Match) Generalize(o *Match) Match {
	var ret Match
	for rest := uint64(m.present & o.present); rest != 0; rest &= rest - 1 {
		field := oxm.Field(bits.TrailingZeros64(rest))
		ret.set(field, m.fields[field].Generalize(o.fields[field]))
	}
	return ret
}

type prereq struct {
	field  oxm.Field
	values []uint64
}

var ipEthTypes = []uint64{ethTypeIPv4, ethTypeIPv6}

var matchPrereqs = map[oxm.Field]prereq{
	oxm.OFPXMT_OFB_VLAN_PCP:       {oxm.OFPXMT_OFB_VLAN_VID, nil},
	oxm.OFPXMT_OFB_IP_DSCP:        {oxm.OFPXMT_OFB_ETH_TYPE, ipEthTypes},
	oxm.OFPXMT_OFB_IP_ECN:         {oxm.OFPXMT_OFB_ETH_TYPE, ipEthTypes},
	oxm.OFPXMT_OFB_IP_PROTO:       {oxm.OFPXMT_OFB_ETH_TYPE, ipEthTypes},
	oxm.OFPXMT_OFB_IPV4_SRC:       {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeIPv4}},
	oxm.OFPXMT_OFB_IPV4_DST:       {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeIPv4}},
	oxm.OFPXMT_OFB_TCP_SRC:        {oxm.OFPXMT_OFB_IP_PROTO, []uint64{6}},
	oxm.OFPXMT_OFB_TCP_DST:        {oxm.OFPXMT_OFB_IP_PROTO, []uint64{6}},
	oxm.OFPXMT_OFB_UDP_SRC:        {oxm.OFPXMT_OFB_IP_PROTO, []uint64{17}},
	oxm.OFPXMT_OFB_UDP_DST:        {oxm.OFPXMT_OFB_IP_PROTO, []uint64{17}},
	oxm.OFPXMT_OFB_SCTP_SRC:       {oxm.OFPXMT_OFB_IP_PROTO, []uint64{132}},
	oxm.OFPXMT_OFB_SCTP_DST:       {oxm.OFPXMT_OFB_IP_PROTO, []uint64{132}},
	oxm.OFPXMT_OFB_ICMPV4_TYPE:    {oxm.OFPXMT_OFB_IP_PROTO, []uint64{1}},
	oxm.OFPXMT_OFB_ICMPV4_CODE:    {oxm.OFPXMT_OFB_IP_PROTO, []uint64{1}},
	oxm.OFPXMT_OFB_ARP_OP:         {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeARP}},
	oxm.OFPXMT_OFB_ARP_SPA:        {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeARP}},
	oxm.OFPXMT_OFB_ARP_TPA:        {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeARP}},
	oxm.OFPXMT_OFB_ARP_SHA:        {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeARP}},
	oxm.OFPXMT_OFB_ARP_THA:        {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeARP}},
	oxm.OFPXMT_OFB_IPV6_SRC:       {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeIPv6}},
	oxm.OFPXMT_OFB_IPV6_DST:       {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeIPv6}},
	oxm.OFPXMT_OFB_IPV6_FLABEL:    {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeIPv6}},
	oxm.OFPXMT_OFB_IPV6_EXTHDR:    {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeIPv6}},
	oxm.OFPXMT_OFB_ICMPV6_TYPE:    {oxm.OFPXMT_OFB_IP_PROTO, []uint64{58}},
	oxm.OFPXMT_OFB_ICMPV6_CODE:    {oxm.OFPXMT_OFB_IP_PROTO, []uint64{58}},
	oxm.OFPXMT_OFB_IPV6_ND_TARGET: {oxm.OFPXMT_OFB_ICMPV6_TYPE, []uint64{135, 136}},
	oxm.OFPXMT_OFB_IPV6_ND_SLL:    {oxm.OFPXMT_OFB_ICMPV6_TYPE, []uint64{135}},
	oxm.OFPXMT_OFB_IPV6_ND_TLL:    {oxm.OFPXMT_OFB_ICMPV6_TYPE, []uint64{136}},
	oxm.OFPXMT_OFB_MPLS_LABEL:     {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeMPLS, ethTypeMPLSm}},
	oxm.OFPXMT_OFB_MPLS_TC:        {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeMPLS, ethTypeMPLSm}},
	oxm.OFPXMT_OFB_MPLS_BOS:       {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypeMPLS, ethTypeMPLSm}},
	oxm.OFPXMT_OFB_PBB_ISID:       {oxm.OFPXMT_OFB_ETH_TYPE, []uint64{ethTypePBB}},
}

// validate checks the match against a table capability and the header
// prerequisites of each field.
func (m *Match) validate(feature *TableFeature) error {
	if extra := m.present &^ feature.Match; extra != 0 {
		return validationError(OFPET_BAD_MATCH, OFPBMC_BAD_FIELD, "unsupported match fields %v", extra)
	}
	var err error
	m.present.Each(func(f oxm.Field) {
		if err != nil {
			return
		}
		vm := m.fields[f]
		if !vm.IsExact(f) && !feature.Wildcards.Has(f) {
			err = validationError(OFPET_BAD_MATCH, OFPBMC_BAD_WILDCARDS, "%v can not be masked", f)
			return
		}
		if f == oxm.OFPXMT_OFB_METADATA && vm.Mask.Lo&^feature.MetadataMatch != 0 {
			err = validationError(OFPET_BAD_MATCH, OFPBMC_BAD_MASK, "metadata mask 0x%x exceeds table capability", vm.Mask.Lo)
			return
		}
		if req, ok := matchPrereqs[f]; ok {
			err = m.checkPrereq(f, req)
		}
	})
	return err
}

func (m *Match) checkPrereq(f oxm.Field, req prereq) error {
	vm, ok := m.Get(req.field)
	if !ok {
		return validationError(OFPET_BAD_MATCH, OFPBMC_BAD_PREREQ, "%v requires %v", f, req.field)
	}
	if len(req.values) == 0 {
		return nil
	}
	if !vm.IsExact(req.field) {
		return validationError(OFPET_BAD_MATCH, OFPBMC_BAD_PREREQ, "%v requires exact %v", f, req.field)
	}
	for _, v := range req.values {
		if vm.Value.Lo == v {
			return nil
		}
	}
	return validationError(OFPET_BAD_MATCH, OFPBMC_BAD_PREREQ, "%v not allowed with %v=%s", f, req.field, oxm.FormatValue(req.field, vm.Value))
}
