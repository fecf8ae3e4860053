package ofp4sw

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/hkwi/ofpipe/oxm"
	"github.com/pkg/errors"
)

func init() {
	layers.EthernetTypeMetadata[ethTypeQinQ] = layers.EthernetTypeMetadata[layers.EthernetTypeDot1Q]
	layers.EthernetTypeMetadata[ethTypePBB] = layers.EnumMetadata{
		DecodeWith: gopacket.DecodeFunc(decodePBB),
		Name:       "PBB",
		LayerType:  LayerTypePBB,
	}
}

var LayerTypePBB = gopacket.RegisterLayerType(1500, gopacket.LayerTypeMetadata{
	Name:    "PBB",
	Decoder: gopacket.DecodeFunc(decodePBB),
})

// PBB is the 802.1ah I-TAG with the customer addresses that follow it.
type PBB struct {
	layers.BaseLayer
	Priority           uint8
	DropEligible       bool
	UseCustomerAddress bool
	ServiceIdentifier  uint32
	DstMAC             net.HardwareAddr
	SrcMAC             net.HardwareAddr
	Type               layers.EthernetType
}

func (p *PBB) LayerType() gopacket.LayerType     { return LayerTypePBB }
func (p *PBB) CanDecode() gopacket.LayerClass    { return LayerTypePBB }
func (p *PBB) NextLayerType() gopacket.LayerType { return p.Type.LayerType() }

func (p *PBB) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(18)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(bytes[0:4], p.ServiceIdentifier&0xffffff)
	bytes[0] = p.Priority << 5
	if p.DropEligible {
		bytes[0] |= 0x10
	}
	if p.UseCustomerAddress {
		bytes[0] |= 0x08
	}
	copy(bytes[4:10], p.DstMAC)
	copy(bytes[10:16], p.SrcMAC)
	binary.BigEndian.PutUint16(bytes[16:18], uint16(p.Type))
	return nil
}

func decodePBB(data []byte, p gopacket.PacketBuilder) error {
	if len(data) < 18 {
		return errors.New("PBB I-TAG too short")
	}
	if data[0]&0x3 != 0 {
		return errors.New("I-TAG TCI Res2 must be zero")
	}
	pbb := &PBB{
		Priority:           data[0] >> 5,
		DropEligible:       data[0]&0x10 != 0,
		UseCustomerAddress: data[0]&0x08 != 0,
		ServiceIdentifier:  binary.BigEndian.Uint32(data[0:4]) & 0xffffff,
		DstMAC:             net.HardwareAddr(data[4:10]),
		SrcMAC:             net.HardwareAddr(data[10:16]),
		Type:               layers.EthernetType(binary.BigEndian.Uint16(data[16:18])),
		BaseLayer:          layers.BaseLayer{Contents: data[:18], Payload: data[18:]},
	}
	p.AddLayer(pbb)
	return p.NextDecoder(pbb.Type)
}

/*
NewFrameFromPacket extracts the match fields of a decoded ethernet packet.
The packet is kept so that Serialized can write rewritten fields back.
Headers behind a PBB I-TAG belong to the customer frame and are not
extracted.
*/
func NewFrameFromPacket(pkt gopacket.Packet, inPort uint32) *Frame {
	f := &Frame{
		length:  len(pkt.Data()),
		nwTtl:   defaultTtl,
		mplsTtl: defaultTtl,
		packet:  pkt,
	}
	fs := &f.fields
	fs.Set(oxm.OFPXMT_OFB_IN_PORT, oxm.U64(uint64(inPort)))

	var prevType layers.EthernetType
	var exthdr uint64
	vlanSeen, mplsSeen := false, false
	setProto := func(p layers.IPProtocol) {
		fs.Set(oxm.OFPXMT_OFB_IP_PROTO, oxm.U64(uint64(p)))
	}
scan:
	for _, layer := range pkt.Layers() {
		switch l := layer.(type) {
		case *layers.Ethernet:
			fs.Set(oxm.OFPXMT_OFB_ETH_DST, oxm.MacValue(l.DstMAC))
			fs.Set(oxm.OFPXMT_OFB_ETH_SRC, oxm.MacValue(l.SrcMAC))
			fs.Set(oxm.OFPXMT_OFB_ETH_TYPE, oxm.U64(uint64(l.EthernetType)))
			prevType = l.EthernetType
		case *layers.Dot1Q:
			tag := vlanTag{
				tpid: uint16(prevType),
				vid:  oxm.U64(uint64(l.VLANIdentifier) | oxm.OFPVID_PRESENT),
				pcp:  oxm.U64(uint64(l.Priority)),
			}
			if vlanSeen {
				f.vlans = append(f.vlans, tag)
			} else {
				fs.Set(oxm.OFPXMT_OFB_VLAN_VID, tag.vid)
				fs.Set(oxm.OFPXMT_OFB_VLAN_PCP, tag.pcp)
				f.tpid = tag.tpid
				vlanSeen = true
			}
			fs.Set(oxm.OFPXMT_OFB_ETH_TYPE, oxm.U64(uint64(l.Type)))
			prevType = l.Type
		case *layers.MPLS:
			if mplsSeen {
				f.mplses = append(f.mplses, mplsTag{
					label: oxm.U64(uint64(l.Label)),
					tc:    oxm.U64(uint64(l.TrafficClass)),
					ttl:   l.TTL,
				})
				continue
			}
			mplsSeen = true
			fs.Set(oxm.OFPXMT_OFB_MPLS_LABEL, oxm.U64(uint64(l.Label)))
			fs.Set(oxm.OFPXMT_OFB_MPLS_TC, oxm.U64(uint64(l.TrafficClass)))
			bos := uint64(0)
			if l.StackBottom {
				bos = 1
			}
			fs.Set(oxm.OFPXMT_OFB_MPLS_BOS, oxm.U64(bos))
			f.mplsTtl = l.TTL
		case *PBB:
			fs.Set(oxm.OFPXMT_OFB_PBB_ISID, oxm.U64(uint64(l.ServiceIdentifier)))
			break scan
		case *layers.ARP:
			fs.Set(oxm.OFPXMT_OFB_ARP_OP, oxm.U64(uint64(l.Operation)))
			fs.Set(oxm.OFPXMT_OFB_ARP_SPA, oxm.ValueFromBytes(l.SourceProtAddress))
			fs.Set(oxm.OFPXMT_OFB_ARP_TPA, oxm.ValueFromBytes(l.DstProtAddress))
			fs.Set(oxm.OFPXMT_OFB_ARP_SHA, oxm.ValueFromBytes(l.SourceHwAddress))
			fs.Set(oxm.OFPXMT_OFB_ARP_THA, oxm.ValueFromBytes(l.DstHwAddress))
		case *layers.IPv4:
			fs.Set(oxm.OFPXMT_OFB_IP_DSCP, oxm.U64(uint64(l.TOS>>2)))
			fs.Set(oxm.OFPXMT_OFB_IP_ECN, oxm.U64(uint64(l.TOS&0x3)))
			setProto(l.Protocol)
			fs.Set(oxm.OFPXMT_OFB_IPV4_SRC, oxm.IPv4Value(l.SrcIP))
			fs.Set(oxm.OFPXMT_OFB_IPV4_DST, oxm.IPv4Value(l.DstIP))
			f.hasNwTtl, f.nwTtl = true, l.TTL
		case *layers.IPv6:
			fs.Set(oxm.OFPXMT_OFB_IP_DSCP, oxm.U64(uint64(l.TrafficClass>>2)))
			fs.Set(oxm.OFPXMT_OFB_IP_ECN, oxm.U64(uint64(l.TrafficClass&0x3)))
			setProto(l.NextHeader)
			fs.Set(oxm.OFPXMT_OFB_IPV6_SRC, oxm.IPv6Value(l.SrcIP))
			fs.Set(oxm.OFPXMT_OFB_IPV6_DST, oxm.IPv6Value(l.DstIP))
			fs.Set(oxm.OFPXMT_OFB_IPV6_FLABEL, oxm.U64(uint64(l.FlowLabel)))
			f.hasNwTtl, f.nwTtl = true, l.HopLimit
			if l.NextHeader == layers.IPProtocolNoNextHeader {
				exthdr |= oxm.OFPIEH_NONEXT
			}
			fs.Set(oxm.OFPXMT_OFB_IPV6_EXTHDR, oxm.U64(exthdr))
		case *layers.IPv6HopByHop:
			exthdr |= oxm.OFPIEH_HOP
			setProto(l.NextHeader)
			fs.Set(oxm.OFPXMT_OFB_IPV6_EXTHDR, oxm.U64(exthdr))
		case *layers.IPv6Routing:
			exthdr |= oxm.OFPIEH_ROUTER
			setProto(l.NextHeader)
			fs.Set(oxm.OFPXMT_OFB_IPV6_EXTHDR, oxm.U64(exthdr))
		case *layers.IPv6Fragment:
			exthdr |= oxm.OFPIEH_FRAG
			setProto(l.NextHeader)
			fs.Set(oxm.OFPXMT_OFB_IPV6_EXTHDR, oxm.U64(exthdr))
		case *layers.IPv6Destination:
			exthdr |= oxm.OFPIEH_DEST
			setProto(l.NextHeader)
			fs.Set(oxm.OFPXMT_OFB_IPV6_EXTHDR, oxm.U64(exthdr))
		case *layers.TCP:
			fs.Set(oxm.OFPXMT_OFB_TCP_SRC, oxm.U64(uint64(l.SrcPort)))
			fs.Set(oxm.OFPXMT_OFB_TCP_DST, oxm.U64(uint64(l.DstPort)))
		case *layers.UDP:
			fs.Set(oxm.OFPXMT_OFB_UDP_SRC, oxm.U64(uint64(l.SrcPort)))
			fs.Set(oxm.OFPXMT_OFB_UDP_DST, oxm.U64(uint64(l.DstPort)))
		case *layers.SCTP:
			fs.Set(oxm.OFPXMT_OFB_SCTP_SRC, oxm.U64(uint64(l.SrcPort)))
			fs.Set(oxm.OFPXMT_OFB_SCTP_DST, oxm.U64(uint64(l.DstPort)))
		case *layers.ICMPv4:
			fs.Set(oxm.OFPXMT_OFB_ICMPV4_TYPE, oxm.U64(uint64(l.TypeCode.Type())))
			fs.Set(oxm.OFPXMT_OFB_ICMPV4_CODE, oxm.U64(uint64(l.TypeCode.Code())))
		case *layers.ICMPv6:
			fs.Set(oxm.OFPXMT_OFB_ICMPV6_TYPE, oxm.U64(uint64(l.TypeCode.Type())))
			fs.Set(oxm.OFPXMT_OFB_ICMPV6_CODE, oxm.U64(uint64(l.TypeCode.Code())))
		case *layers.ICMPv6NeighborSolicitation:
			fs.Set(oxm.OFPXMT_OFB_IPV6_ND_TARGET, oxm.IPv6Value(l.TargetAddress))
			for _, opt := range l.Options {
				if opt.Type == layers.ICMPv6OptSourceAddress {
					fs.Set(oxm.OFPXMT_OFB_IPV6_ND_SLL, oxm.ValueFromBytes(opt.Data))
				}
			}
		case *layers.ICMPv6NeighborAdvertisement:
			fs.Set(oxm.OFPXMT_OFB_IPV6_ND_TARGET, oxm.IPv6Value(l.TargetAddress))
			for _, opt := range l.Options {
				if opt.Type == layers.ICMPv6OptTargetAddress {
					fs.Set(oxm.OFPXMT_OFB_IPV6_ND_TLL, oxm.ValueFromBytes(opt.Data))
				}
			}
		}
	}
	if !vlanSeen {
		fs.Set(oxm.OFPXMT_OFB_VLAN_VID, oxm.U64(oxm.OFPVID_NONE))
	}
	return f
}

// outerTpid is the ethertype announcing the outermost vlan tag.
func (f *Frame) outerTpid() layers.EthernetType {
	if f.tpid == 0 {
		return layers.EthernetTypeDot1Q
	}
	return layers.EthernetType(f.tpid)
}

/*
Serialized encodes the frame with every rewritten field, ttl and vlan tag
applied. Only frames built by NewFrameFromPacket can be serialized. MPLS
and PBB push or pop are not supported.
*/
func (f *Frame) Serialized() ([]byte, error) {
	if f.packet == nil {
		return nil, errors.New("frame carries no packet data")
	}
	for _, op := range f.ops {
		switch op.action {
		case OFPAT_PUSH_VLAN, OFPAT_POP_VLAN:
		default:
			return nil, errors.Errorf("%v cannot be serialized", op.action)
		}
	}
	pkt := gopacket.NewPacket(f.packet.Data(), layers.LayerTypeEthernet, gopacket.Default)
	var eth *layers.Ethernet
	var network gopacket.NetworkLayer
	var body []gopacket.SerializableLayer
	mplsDone := false
	var prev gopacket.Layer
walk:
	for _, layer := range pkt.Layers() {
		transport := false
		switch l := layer.(type) {
		case *layers.Ethernet:
			eth = l
			prev = layer
			continue
		case *layers.Dot1Q:
			prev = layer
			continue // rebuilt below
		case *layers.MPLS:
			if !mplsDone {
				l.Label = uint32(f.value(oxm.OFPXMT_OFB_MPLS_LABEL))
				l.TrafficClass = uint8(f.value(oxm.OFPXMT_OFB_MPLS_TC))
				l.TTL = f.mplsTtl
				mplsDone = true
			}
		case *layers.ARP:
			f.writeARP(l)
		case *layers.IPv4:
			f.writeIPv4(l)
			network = l
		case *layers.IPv6:
			f.writeIPv6(l)
			network = l
		case *layers.TCP:
			transport = true
			if v, ok := f.fields.Get(oxm.OFPXMT_OFB_TCP_SRC); ok {
				l.SrcPort = layers.TCPPort(v.Lo)
			}
			if v, ok := f.fields.Get(oxm.OFPXMT_OFB_TCP_DST); ok {
				l.DstPort = layers.TCPPort(v.Lo)
			}
			if network != nil {
				if err := l.SetNetworkLayerForChecksum(network); err != nil {
					return nil, errors.WithStack(err)
				}
			}
		case *layers.UDP:
			transport = true
			if v, ok := f.fields.Get(oxm.OFPXMT_OFB_UDP_SRC); ok {
				l.SrcPort = layers.UDPPort(v.Lo)
			}
			if v, ok := f.fields.Get(oxm.OFPXMT_OFB_UDP_DST); ok {
				l.DstPort = layers.UDPPort(v.Lo)
			}
			if network != nil {
				if err := l.SetNetworkLayerForChecksum(network); err != nil {
					return nil, errors.WithStack(err)
				}
			}
		case *layers.SCTP:
			transport = true
			if v, ok := f.fields.Get(oxm.OFPXMT_OFB_SCTP_SRC); ok {
				l.SrcPort = layers.SCTPPort(v.Lo)
			}
			if v, ok := f.fields.Get(oxm.OFPXMT_OFB_SCTP_DST); ok {
				l.DstPort = layers.SCTPPort(v.Lo)
			}
		case *layers.ICMPv4:
			transport = true
			if f.fields.Has(oxm.OFPXMT_OFB_ICMPV4_TYPE) {
				l.TypeCode = layers.CreateICMPv4TypeCode(
					uint8(f.value(oxm.OFPXMT_OFB_ICMPV4_TYPE)),
					uint8(f.value(oxm.OFPXMT_OFB_ICMPV4_CODE)))
			}
		case *layers.ICMPv6:
			if f.fields.Has(oxm.OFPXMT_OFB_ICMPV6_TYPE) {
				l.TypeCode = layers.CreateICMPv6TypeCode(
					uint8(f.value(oxm.OFPXMT_OFB_ICMPV6_TYPE)),
					uint8(f.value(oxm.OFPXMT_OFB_ICMPV6_CODE)))
			}
			if network != nil {
				if err := l.SetNetworkLayerForChecksum(network); err != nil {
					return nil, errors.WithStack(err)
				}
			}
		}
		s, ok := layer.(gopacket.SerializableLayer)
		if !ok {
			// undecodable bytes travel as the payload of the last header
			if prev == nil {
				return nil, errors.Errorf("layer %v cannot be serialized", layer.LayerType())
			}
			if data := prev.LayerPayload(); len(data) > 0 {
				body = append(body, gopacket.Payload(data))
			}
			break walk
		}
		body = append(body, s)
		prev = layer
		if transport {
			// application layers are carried as opaque bytes
			if data := layer.LayerPayload(); len(data) > 0 {
				body = append(body, gopacket.Payload(data))
			}
			break walk
		}
	}
	if eth == nil {
		return nil, errors.New("not an ethernet frame")
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_ETH_DST); ok {
		eth.DstMAC = v.Mac()
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_ETH_SRC); ok {
		eth.SrcMAC = v.Mac()
	}

	// vlan stack, outermost first
	var tags []vlanTag
	if vid := f.value(oxm.OFPXMT_OFB_VLAN_VID); vid&oxm.OFPVID_PRESENT != 0 {
		tags = append(tags, vlanTag{
			tpid: uint16(f.outerTpid()),
			vid:  f.fields.Value(oxm.OFPXMT_OFB_VLAN_VID),
			pcp:  f.fields.Value(oxm.OFPXMT_OFB_VLAN_PCP),
		})
		tags = append(tags, f.vlans...)
	}
	inner := layers.EthernetType(f.value(oxm.OFPXMT_OFB_ETH_TYPE))
	all := []gopacket.SerializableLayer{eth}
	eth.EthernetType = inner
	for i, tag := range tags {
		if i == 0 {
			eth.EthernetType = layers.EthernetType(tag.tpid)
		}
		next := inner
		if i+1 < len(tags) {
			next = layers.EthernetType(tags[i+1].tpid)
		}
		all = append(all, &layers.Dot1Q{
			Priority:       uint8(tag.pcp.Lo),
			VLANIdentifier: uint16(tag.vid.Lo & 0xfff),
			Type:           next,
		})
	}
	all = append(all, body...)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, all...); err != nil {
		return nil, errors.Wrap(err, "serialize")
	}
	return buf.Bytes(), nil
}

func (f *Frame) writeARP(l *layers.ARP) {
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_ARP_OP); ok {
		l.Operation = uint16(v.Lo)
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_ARP_SPA); ok {
		l.SourceProtAddress = v.Bytes(4)
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_ARP_TPA); ok {
		l.DstProtAddress = v.Bytes(4)
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_ARP_SHA); ok {
		l.SourceHwAddress = v.Bytes(6)
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_ARP_THA); ok {
		l.DstHwAddress = v.Bytes(6)
	}
}

func (f *Frame) writeIPv4(l *layers.IPv4) {
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_IPV4_SRC); ok {
		l.SrcIP = v.IPv4()
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_IPV4_DST); ok {
		l.DstIP = v.IPv4()
	}
	l.TOS = uint8(f.value(oxm.OFPXMT_OFB_IP_DSCP)<<2 | f.value(oxm.OFPXMT_OFB_IP_ECN)&0x3)
	if f.hasNwTtl {
		l.TTL = f.nwTtl
	}
}

func (f *Frame) writeIPv6(l *layers.IPv6) {
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_IPV6_SRC); ok {
		l.SrcIP = v.IPv6()
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_IPV6_DST); ok {
		l.DstIP = v.IPv6()
	}
	if v, ok := f.fields.Get(oxm.OFPXMT_OFB_IPV6_FLABEL); ok {
		l.FlowLabel = uint32(v.Lo)
	}
	l.TrafficClass = uint8(f.value(oxm.OFPXMT_OFB_IP_DSCP)<<2 | f.value(oxm.OFPXMT_OFB_IP_ECN)&0x3)
	if f.hasNwTtl {
		l.HopLimit = f.nwTtl
	}
}
