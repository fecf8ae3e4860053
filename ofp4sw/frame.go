package ofp4sw

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/google/gopacket"
	"github.com/hkwi/ofpipe/oxm"
	"github.com/pkg/errors"
)

const defaultTtl = 64

const (
	ethTypeIPv4  = 0x0800
	ethTypeARP   = 0x0806
	ethTypeDot1Q = 0x8100
	ethTypeQinQ  = 0x88a8
	ethTypeMPLS  = 0x8847
	ethTypeMPLSm = 0x8848
	ethTypePBB   = 0x88e7
	ethTypeIPv6  = 0x86dd
)

type vlanTag struct {
	tpid uint16
	vid  oxm.Value
	pcp  oxm.Value
}

type mplsTag struct {
	label oxm.Value
	tc    oxm.Value
	ttl   uint8
}

type pbbTag struct {
	ethType oxm.Value
	isid    oxm.Value
	hasIsid bool
}

// headerOp records a push or pop so that a serializer can replay it.
type headerOp struct {
	action    ActionType
	ethertype uint16
}

/*
Frame is the unit of work flowing through a pipeline. The engine works on
pre-extracted field values; raw bytes, when present, are only carried for
the egress side.
*/
type Frame struct {
	fields  oxm.Fields
	length  int
	queueId uint32

	hasNwTtl bool
	nwTtl    uint8
	mplsTtl  uint8

	// inner tags; the outermost one is in fields
	tpid   uint16 // of the outermost vlan tag
	vlans  []vlanTag
	mplses []mplsTag
	pbbs   []pbbTag

	ops []headerOp

	invalid bool
	packet  gopacket.Packet
}

// NewFrame builds a frame from extracted fields. length is the packet size
// used by byte counters.
func NewFrame(fields oxm.Fields, length int) *Frame {
	f := &Frame{
		fields:  fields,
		length:  length,
		nwTtl:   defaultTtl,
		mplsTtl: defaultTtl,
	}
	if v, ok := fields.Get(oxm.OFPXMT_OFB_ETH_TYPE); ok {
		switch v.Lo {
		case ethTypeIPv4, ethTypeIPv6:
			f.hasNwTtl = true
		}
	}
	return f
}

func (f *Frame) Field(field oxm.Field) (oxm.Value, bool) {
	return f.fields.Get(field)
}

// Fields returns a copy of the current field values.
func (f *Frame) Fields() oxm.Fields {
	return f.fields
}

// SetField writes a field value directly, as a datapath adapter would do.
func (f *Frame) SetField(field oxm.Field, v oxm.Value) {
	f.fields.Set(field, v)
}

func (f *Frame) Len() int {
	return f.length
}

func (f *Frame) QueueId() uint32 {
	return f.queueId
}

// NwTtl returns the IP ttl or hop limit and whether the frame carries one.
func (f *Frame) NwTtl() (uint8, bool) {
	return f.nwTtl, f.hasNwTtl
}

func (f *Frame) SetNwTtl(ttl uint8) {
	f.nwTtl = ttl
	f.hasNwTtl = true
}

// MplsTtl returns the outermost MPLS ttl and whether an MPLS header exists.
func (f *Frame) MplsTtl() (uint8, bool) {
	return f.mplsTtl, f.fields.Has(oxm.OFPXMT_OFB_MPLS_LABEL)
}

func (f *Frame) SetMplsTtl(ttl uint8) {
	f.mplsTtl = ttl
}

// Invalid reports whether an action invalidated the frame.
func (f *Frame) Invalid() bool {
	return f.invalid
}

func (f *Frame) String() string {
	return f.fields.String()
}

func (f *Frame) clone() *Frame {
	c := *f
	c.vlans = append([]vlanTag(nil), f.vlans...)
	c.mplses = append([]mplsTag(nil), f.mplses...)
	c.pbbs = append([]pbbTag(nil), f.pbbs...)
	c.ops = append([]headerOp(nil), f.ops...)
	return &c
}

func (f *Frame) invalidate() {
	f.invalid = true
}

// hash is the flow hash used for SELECT bucket choice.
func (f *Frame) hash() uint32 {
	h := fnv.New32a()
	var buf [17]byte
	f.fields.Present().Each(func(field oxm.Field) {
		if field == oxm.OFPXMT_OFB_METADATA {
			return
		}
		v := f.fields.Value(field)
		buf[0] = byte(field)
		binary.BigEndian.PutUint64(buf[1:9], v.Hi)
		binary.BigEndian.PutUint64(buf[9:], v.Lo)
		h.Write(buf[:])
	})
	return h.Sum32()
}

func (f *Frame) value(field oxm.Field) uint64 {
	return f.fields.Value(field).Lo
}

func (f *Frame) pushVlan(ethertype uint16) {
	vid := oxm.U64(oxm.OFPVID_PRESENT)
	var pcp oxm.Value
	if f.fields.Has(oxm.OFPXMT_OFB_VLAN_VID) && f.value(oxm.OFPXMT_OFB_VLAN_VID)&oxm.OFPVID_PRESENT != 0 {
		outer := vlanTag{
			tpid: f.tpid,
			vid:  f.fields.Value(oxm.OFPXMT_OFB_VLAN_VID),
			pcp:  f.fields.Value(oxm.OFPXMT_OFB_VLAN_PCP),
		}
		if outer.tpid == 0 {
			outer.tpid = ethTypeDot1Q
		}
		f.vlans = append([]vlanTag{outer}, f.vlans...)
		vid, pcp = outer.vid, outer.pcp
	}
	f.fields.Set(oxm.OFPXMT_OFB_VLAN_VID, vid)
	f.fields.Set(oxm.OFPXMT_OFB_VLAN_PCP, pcp)
	f.tpid = ethertype
	f.ops = append(f.ops, headerOp{action: OFPAT_PUSH_VLAN, ethertype: ethertype})
}

func (f *Frame) popVlan() error {
	if !f.fields.Has(oxm.OFPXMT_OFB_VLAN_VID) || f.value(oxm.OFPXMT_OFB_VLAN_VID)&oxm.OFPVID_PRESENT == 0 {
		return errors.New("pop vlan on untagged frame")
	}
	if len(f.vlans) > 0 {
		inner := f.vlans[0]
		f.vlans = f.vlans[1:]
		f.fields.Set(oxm.OFPXMT_OFB_VLAN_VID, inner.vid)
		f.fields.Set(oxm.OFPXMT_OFB_VLAN_PCP, inner.pcp)
		f.tpid = inner.tpid
	} else {
		f.fields.Set(oxm.OFPXMT_OFB_VLAN_VID, oxm.U64(oxm.OFPVID_NONE))
		f.fields.Clear(oxm.OFPXMT_OFB_VLAN_PCP)
		f.tpid = 0
	}
	f.ops = append(f.ops, headerOp{action: OFPAT_POP_VLAN})
	return nil
}

func (f *Frame) pushMpls(ethertype uint16) {
	label := oxm.Value{}
	tc := oxm.Value{}
	bos := oxm.U64(1)
	ttl := uint8(0)
	if f.fields.Has(oxm.OFPXMT_OFB_MPLS_LABEL) {
		f.mplses = append([]mplsTag{{
			label: f.fields.Value(oxm.OFPXMT_OFB_MPLS_LABEL),
			tc:    f.fields.Value(oxm.OFPXMT_OFB_MPLS_TC),
			ttl:   f.mplsTtl,
		}}, f.mplses...)
		label = f.fields.Value(oxm.OFPXMT_OFB_MPLS_LABEL)
		tc = f.fields.Value(oxm.OFPXMT_OFB_MPLS_TC)
		bos = oxm.U64(0)
		ttl = f.mplsTtl
	} else if f.hasNwTtl {
		ttl = f.nwTtl
	}
	f.fields.Set(oxm.OFPXMT_OFB_MPLS_LABEL, label)
	f.fields.Set(oxm.OFPXMT_OFB_MPLS_TC, tc)
	f.fields.Set(oxm.OFPXMT_OFB_MPLS_BOS, bos)
	f.fields.Set(oxm.OFPXMT_OFB_ETH_TYPE, oxm.U64(uint64(ethertype)))
	f.mplsTtl = ttl
	f.ops = append(f.ops, headerOp{action: OFPAT_PUSH_MPLS, ethertype: ethertype})
}

func (f *Frame) popMpls(ethertype uint16) error {
	if !f.fields.Has(oxm.OFPXMT_OFB_MPLS_LABEL) {
		return errors.New("pop mpls on frame without mpls")
	}
	if len(f.mplses) > 0 {
		inner := f.mplses[0]
		f.mplses = f.mplses[1:]
		f.fields.Set(oxm.OFPXMT_OFB_MPLS_LABEL, inner.label)
		f.fields.Set(oxm.OFPXMT_OFB_MPLS_TC, inner.tc)
		if len(f.mplses) == 0 {
			f.fields.Set(oxm.OFPXMT_OFB_MPLS_BOS, oxm.U64(1))
		}
		f.mplsTtl = inner.ttl
	} else {
		f.fields.Clear(oxm.OFPXMT_OFB_MPLS_LABEL)
		f.fields.Clear(oxm.OFPXMT_OFB_MPLS_TC)
		f.fields.Clear(oxm.OFPXMT_OFB_MPLS_BOS)
	}
	f.fields.Set(oxm.OFPXMT_OFB_ETH_TYPE, oxm.U64(uint64(ethertype)))
	f.ops = append(f.ops, headerOp{action: OFPAT_POP_MPLS, ethertype: ethertype})
	return nil
}

func (f *Frame) pushPbb(ethertype uint16) {
	saved := pbbTag{ethType: f.fields.Value(oxm.OFPXMT_OFB_ETH_TYPE)}
	saved.isid, saved.hasIsid = f.fields.Get(oxm.OFPXMT_OFB_PBB_ISID)
	f.pbbs = append([]pbbTag{saved}, f.pbbs...)
	if !saved.hasIsid {
		f.fields.Set(oxm.OFPXMT_OFB_PBB_ISID, oxm.Value{})
	}
	f.fields.Set(oxm.OFPXMT_OFB_ETH_TYPE, oxm.U64(uint64(ethertype)))
	f.ops = append(f.ops, headerOp{action: OFPAT_PUSH_PBB, ethertype: ethertype})
}

func (f *Frame) popPbb() error {
	if len(f.pbbs) == 0 {
		if !f.fields.Has(oxm.OFPXMT_OFB_PBB_ISID) {
			return errors.New("pop pbb on frame without pbb")
		}
		f.fields.Clear(oxm.OFPXMT_OFB_PBB_ISID)
	} else {
		saved := f.pbbs[0]
		f.pbbs = f.pbbs[1:]
		f.fields.Set(oxm.OFPXMT_OFB_ETH_TYPE, saved.ethType)
		if saved.hasIsid {
			f.fields.Set(oxm.OFPXMT_OFB_PBB_ISID, saved.isid)
		} else {
			f.fields.Clear(oxm.OFPXMT_OFB_PBB_ISID)
		}
	}
	f.ops = append(f.ops, headerOp{action: OFPAT_POP_PBB})
	return nil
}
