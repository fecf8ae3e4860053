package ofp4sw

import "sync/atomic"

// Port is a logical port implementation supplied by a datapath.
type Port interface {
	Name() string
	Live() bool
	Egress(f *Frame) error
}

type PortState uint8

const (
	PortFree PortState = iota
	PortAttached
)

func (s PortState) String() string {
	if s == PortAttached {
		return "attached"
	}
	return "free"
}

type portSlot struct {
	port      Port
	portNo    uint32
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	txDropped atomic.Uint64
}

// PortStats is a snapshot of port counters.
type PortStats struct {
	PortNo    uint32
	Name      string
	Live      bool
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
	TxDropped uint64
}

func (slot *portSlot) stats() PortStats {
	return PortStats{
		PortNo:    slot.portNo,
		Name:      slot.port.Name(),
		Live:      slot.port.Live(),
		RxPackets: slot.rxPackets.Load(),
		RxBytes:   slot.rxBytes.Load(),
		TxPackets: slot.txPackets.Load(),
		TxBytes:   slot.txBytes.Load(),
		TxDropped: slot.txDropped.Load(),
	}
}
