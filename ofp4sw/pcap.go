package ofp4sw

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// PcapPort is a port that records egress frames into a pcap stream.
type PcapPort struct {
	name string
	live atomic.Bool

	lock   sync.Mutex // for writer
	writer *pcapgo.Writer
}

func NewPcapPort(name string, w io.Writer) (*PcapPort, error) {
	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, errors.Wrapf(err, "pcap header of %s", name)
	}
	port := &PcapPort{
		name:   name,
		writer: writer,
	}
	port.live.Store(true)
	return port, nil
}

func (p *PcapPort) Name() string {
	return p.name
}

func (p *PcapPort) Live() bool {
	return p.live.Load()
}

// SetLive changes the liveness seen by fast-failover groups.
func (p *PcapPort) SetLive(live bool) {
	p.live.Store(live)
}

func (p *PcapPort) Egress(f *Frame) error {
	data, err := f.Serialized()
	if err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

/*
ReadPcap decodes every ethernet packet of a pcap stream into a frame
arriving on inPort and sends it to frames. It returns at the end of the
stream.
*/
func ReadPcap(r io.Reader, inPort uint32, frames chan<- Ingress) error {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "pcap")
	}
	if reader.LinkType() != layers.LinkTypeEthernet {
		return errors.Errorf("unsupported link type %v", reader.LinkType())
	}
	for {
		data, _, err := reader.ReadPacketData()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "pcap")
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		frames <- Ingress{InPort: inPort, Frame: NewFrameFromPacket(pkt, inPort)}
	}
}
