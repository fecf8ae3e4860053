package oxm

import (
	"fmt"
	"math/bits"
	"strings"
)

type fieldKind uint8

const (
	kindUint fieldKind = iota
	kindHex
	kindPort
	kindMac
	kindIPv4
	kindIPv6
)

type fieldDef struct {
	name     string
	bits     int
	maskable bool
	kind     fieldKind
}

var fieldDefs = [FieldMax]fieldDef{
	OFPXMT_OFB_IN_PORT:        {"in_port", 32, false, kindPort},
	OFPXMT_OFB_IN_PHY_PORT:    {"in_phy_port", 32, false, kindPort},
	OFPXMT_OFB_METADATA:       {"metadata", 64, true, kindHex},
	OFPXMT_OFB_ETH_DST:        {"eth_dst", 48, true, kindMac},
	OFPXMT_OFB_ETH_SRC:        {"eth_src", 48, true, kindMac},
	OFPXMT_OFB_ETH_TYPE:       {"eth_type", 16, false, kindHex},
	OFPXMT_OFB_VLAN_VID:       {"vlan_vid", 13, true, kindHex},
	OFPXMT_OFB_VLAN_PCP:       {"vlan_pcp", 3, false, kindUint},
	OFPXMT_OFB_IP_DSCP:        {"ip_dscp", 6, false, kindHex},
	OFPXMT_OFB_IP_ECN:         {"ip_ecn", 2, false, kindHex},
	OFPXMT_OFB_IP_PROTO:       {"ip_proto", 8, false, kindUint},
	OFPXMT_OFB_IPV4_SRC:       {"ipv4_src", 32, true, kindIPv4},
	OFPXMT_OFB_IPV4_DST:       {"ipv4_dst", 32, true, kindIPv4},
	OFPXMT_OFB_TCP_SRC:        {"tcp_src", 16, false, kindUint},
	OFPXMT_OFB_TCP_DST:        {"tcp_dst", 16, false, kindUint},
	OFPXMT_OFB_UDP_SRC:        {"udp_src", 16, false, kindUint},
	OFPXMT_OFB_UDP_DST:        {"udp_dst", 16, false, kindUint},
	OFPXMT_OFB_SCTP_SRC:       {"sctp_src", 16, false, kindUint},
	OFPXMT_OFB_SCTP_DST:       {"sctp_dst", 16, false, kindUint},
	OFPXMT_OFB_ICMPV4_TYPE:    {"icmpv4_type", 8, false, kindUint},
	OFPXMT_OFB_ICMPV4_CODE:    {"icmpv4_code", 8, false, kindUint},
	OFPXMT_OFB_ARP_OP:         {"arp_op", 16, false, kindUint},
	OFPXMT_OFB_ARP_SPA:        {"arp_spa", 32, true, kindIPv4},
	OFPXMT_OFB_ARP_TPA:        {"arp_tpa", 32, true, kindIPv4},
	OFPXMT_OFB_ARP_SHA:        {"arp_sha", 48, true, kindMac},
	OFPXMT_OFB_ARP_THA:        {"arp_tha", 48, true, kindMac},
	OFPXMT_OFB_IPV6_SRC:       {"ipv6_src", 128, true, kindIPv6},
	OFPXMT_OFB_IPV6_DST:       {"ipv6_dst", 128, true, kindIPv6},
	OFPXMT_OFB_IPV6_FLABEL:    {"ipv6_flabel", 20, true, kindHex},
	OFPXMT_OFB_ICMPV6_TYPE:    {"icmpv6_type", 8, false, kindUint},
	OFPXMT_OFB_ICMPV6_CODE:    {"icmpv6_code", 8, false, kindUint},
	OFPXMT_OFB_IPV6_ND_TARGET: {"ipv6_nd_target", 128, false, kindIPv6},
	OFPXMT_OFB_IPV6_ND_SLL:    {"ipv6_nd_sll", 48, false, kindMac},
	OFPXMT_OFB_IPV6_ND_TLL:    {"ipv6_nd_tll", 48, false, kindMac},
	OFPXMT_OFB_MPLS_LABEL:     {"mpls_label", 20, false, kindHex},
	OFPXMT_OFB_MPLS_TC:        {"mpls_tc", 3, false, kindUint},
	OFPXMT_OFB_MPLS_BOS:       {"mpls_bos", 1, false, kindUint},
	OFPXMT_OFB_PBB_ISID:       {"pbb_isid", 24, true, kindHex},
	OFPXMT_OFB_TUNNEL_ID:      {"tunnel_id", 64, true, kindHex},
	OFPXMT_OFB_IPV6_EXTHDR:    {"ipv6_exthdr", 9, true, kindHex},
}

var fieldNames = func() map[string]Field {
	ret := make(map[string]Field, FieldMax)
	for i, def := range fieldDefs {
		ret[def.name] = Field(i)
	}
	return ret
}()

// FieldByName resolves an ovs-ofctl style field label.
func FieldByName(name string) (Field, bool) {
	f, ok := fieldNames[strings.ToLower(name)]
	return f, ok
}

func (f Field) Valid() bool {
	return f < FieldMax
}

func (f Field) String() string {
	if !f.Valid() {
		return fmt.Sprintf("field(%d)", uint8(f))
	}
	return fieldDefs[f].name
}

// Bits returns the width of the field in bits.
func (f Field) Bits() int {
	if !f.Valid() {
		return 0
	}
	return fieldDefs[f].bits
}

// Maskable reports whether an arbitrary bitmask is allowed for the field.
func (f Field) Maskable() bool {
	return f.Valid() && fieldDefs[f].maskable
}

// FullMask returns the all-ones mask over the field width.
func (f Field) FullMask() Value {
	return onesValue(f.Bits())
}

// FieldSet is a bitmap of fields.
type FieldSet uint64

// AllFields holds every field known to this package.
const AllFields = FieldSet(1<<FieldMax - 1)

func NewFieldSet(fields ...Field) FieldSet {
	var s FieldSet
	for _, f := range fields {
		s = s.Add(f)
	}
	return s
}

func (s FieldSet) Has(f Field) bool {
	return f.Valid() && s&(1<<f) != 0
}

func (s FieldSet) Add(f Field) FieldSet {
	return s | 1<<f
}

func (s FieldSet) Remove(f Field) FieldSet {
	return s &^ (1 << f)
}

func (s FieldSet) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Each calls fn for every member in ascending field order.
func (s FieldSet) Each(fn func(Field)) {
	for rest := uint64(s); rest != 0; rest &= rest - 1 {
		fn(Field(bits.TrailingZeros64(rest)))
	}
}

func (s FieldSet) String() string {
	var names []string
	s.Each(func(f Field) {
		names = append(names, f.String())
	})
	return strings.Join(names, ",")
}
