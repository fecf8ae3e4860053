package ofp4sw

import (
	"sync"
	"sync/atomic"

	"github.com/hkwi/ofpipe/oxm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PacketIn is a frame handed to the controller.
type PacketIn struct {
	DatapathId uint64
	InPort     uint32
	TableId    uint8
	Reason     uint8
	Cookie     uint64
	MaxLen     uint16
	Frame      *Frame
}

// Controller receives asynchronous messages of a switch.
type Controller interface {
	PacketIn(PacketIn)
	FlowRemoved(FlowRemoved)
}

/*
Switch owns one pipeline and a fixed size logical port table. Port numbers
run from 1 to MaxPorts; slot 0 is reserved.
*/
type Switch struct {
	lock       sync.Mutex // for attach, detach and reconfigure
	name       string
	datapathId uint64
	config     Config
	version    Version
	ports      []atomic.Pointer[portSlot]
	pipeline   *Pipeline
	controller Controller
	drops      atomic.Uint64
	log        *logrus.Entry
}

// NewSwitch builds a switch from a validated configuration. controller may
// be nil, in which case packet-ins are counted as drops.
func NewSwitch(config Config, controller Controller, log *logrus.Entry) (*Switch, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sw := &Switch{
		name:       config.Name,
		datapathId: config.DatapathId,
		config:     config,
		ports:      make([]atomic.Pointer[portSlot], config.MaxPorts+1),
		controller: controller,
		log: log.WithFields(logrus.Fields{
			"dpid": config.DatapathId,
			"name": config.Name,
		}),
	}
	version, profile, err := config.profile()
	if err != nil {
		return nil, err
	}
	pipe, err := NewPipeline(config.Tables, profile,
		WithStrategy(config.Strategy),
		WithLogger(sw.log),
		WithFlowRemoved(sw.flowRemoved),
		WithPortLiveness(sw.portLive),
	)
	if err != nil {
		return nil, err
	}
	sw.pipeline = pipe
	sw.version = version
	if err := config.applyTableMiss(pipe); err != nil {
		return nil, err
	}
	return sw, nil
}

func (sw *Switch) Name() string { return sw.name }

func (sw *Switch) DatapathId() uint64 { return sw.datapathId }

func (sw *Switch) Pipeline() *Pipeline { return sw.pipeline }

func (sw *Switch) Version() Version {
	sw.lock.Lock()
	defer sw.lock.Unlock()
	return sw.version
}

func (sw *Switch) flowRemoved(r FlowRemoved) {
	if sw.controller == nil {
		return
	}
	r.DatapathId = sw.datapathId
	sw.controller.FlowRemoved(r)
}

func (sw *Switch) slot(portNo uint32) *portSlot {
	if portNo == 0 || portNo >= uint32(len(sw.ports)) {
		return nil
	}
	return sw.ports[portNo].Load()
}

func (sw *Switch) portLive(portNo uint32) bool {
	if slot := sw.slot(portNo); slot != nil {
		return slot.port.Live()
	}
	return false
}

/*
Attach places port at portNo. With oxm.OFPP_ANY the lowest free number is
chosen. The chosen number is returned.
*/
func (sw *Switch) Attach(port Port, portNo uint32) (uint32, error) {
	sw.lock.Lock()
	defer sw.lock.Unlock()

	if portNo == oxm.OFPP_ANY {
		for i := 1; i < len(sw.ports); i++ {
			if sw.ports[i].Load() == nil {
				portNo = uint32(i)
				break
			}
		}
		if portNo == oxm.OFPP_ANY {
			return 0, newError(CapacityError, OFPET_PORT_MOD_FAILED, OFPPMFC_BAD_PORT, "no free port slot")
		}
	}
	if portNo == 0 || portNo >= uint32(len(sw.ports)) {
		return 0, newError(ValidationError, OFPET_PORT_MOD_FAILED, OFPPMFC_BAD_PORT, "port %d out of range", portNo)
	}
	if sw.ports[portNo].Load() != nil {
		return 0, newError(ConflictError, OFPET_PORT_MOD_FAILED, OFPPMFC_BAD_PORT, "port %d is attached", portNo)
	}
	sw.ports[portNo].Store(&portSlot{port: port, portNo: portNo})
	sw.log.WithFields(logrus.Fields{"port": portNo, "ifname": port.Name()}).Info("port attached")
	return portNo, nil
}

// Detach frees the slot so that the number can be reused.
func (sw *Switch) Detach(portNo uint32) error {
	sw.lock.Lock()
	defer sw.lock.Unlock()

	if sw.slot(portNo) == nil {
		return newError(NotFoundError, OFPET_PORT_MOD_FAILED, OFPPMFC_BAD_PORT, "port %d is not attached", portNo)
	}
	sw.ports[portNo].Store(nil)
	sw.log.WithField("port", portNo).Info("port detached")
	return nil
}

func (sw *Switch) PortState(portNo uint32) PortState {
	if sw.slot(portNo) != nil {
		return PortAttached
	}
	return PortFree
}

func (sw *Switch) PortStats() []PortStats {
	var ret []PortStats
	for i := 1; i < len(sw.ports); i++ {
		if slot := sw.ports[i].Load(); slot != nil {
			ret = append(ret, slot.stats())
		}
	}
	return ret
}

// Drops counts frames that were addressed nowhere, such as packet-ins
// without a controller or outputs to free port numbers.
func (sw *Switch) Drops() uint64 {
	return sw.drops.Load()
}

/*
Reconfigure switches the openflow version. Every flow entry and group is
purged before the profile of the new version applies.
*/
func (sw *Switch) Reconfigure(version Version) error {
	sw.lock.Lock()
	defer sw.lock.Unlock()

	if version == sw.version {
		return nil
	}
	config := sw.config
	config.Version = version.String()
	_, profile, err := config.profile()
	if err != nil {
		return err
	}
	if err := sw.pipeline.reset(profile); err != nil {
		return err
	}
	if err := config.applyTableMiss(sw.pipeline); err != nil {
		return err
	}
	sw.config = config
	sw.version = version
	sw.log.WithField("version", version).Info("switch reconfigured")
	return nil
}

// ingress counts a frame arriving on inPort and sets its IN_PORT field.
// It reports false for a free port.
func (sw *Switch) ingress(inPort uint32, f *Frame) bool {
	slot := sw.slot(inPort)
	if slot == nil {
		sw.drops.Add(1)
		sw.log.WithField("port", inPort).Debug("frame from a free port")
		return false
	}
	slot.rxPackets.Add(1)
	slot.rxBytes.Add(uint64(f.length))
	f.fields.Set(oxm.OFPXMT_OFB_IN_PORT, oxm.U64(uint64(inPort)))
	return true
}

// Receive runs a frame that arrived on inPort through the pipeline and
// dispatches the outputs.
func (sw *Switch) Receive(inPort uint32, f *Frame) {
	if sw.ingress(inPort, f) {
		sw.dispatch(inPort, sw.pipeline.Process(f))
	}
}

// PacketOut applies a controller supplied action list. An output to
// OFPP_TABLE submits the frame to the pipeline.
func (sw *Switch) PacketOut(inPort uint32, f *Frame, actions ActionList) error {
	if err := sw.pipeline.validatePacketOut(actions); err != nil {
		return errors.Wrap(err, "packet-out")
	}
	if inPort != oxm.OFPP_CONTROLLER && inPort != oxm.OFPP_ANY {
		f.fields.Set(oxm.OFPXMT_OFB_IN_PORT, oxm.U64(uint64(inPort)))
	}
	var outs []Output
	for _, out := range sw.pipeline.Execute(f, actions) {
		if out.Port == oxm.OFPP_TABLE {
			outs = append(outs, sw.pipeline.Process(out.Frame)...)
		} else {
			outs = append(outs, out)
		}
	}
	sw.dispatch(inPort, outs)
	return nil
}

func (sw *Switch) dispatch(inPort uint32, outs []Output) {
	for _, out := range outs {
		switch out.Port {
		case oxm.OFPP_CONTROLLER:
			if sw.controller == nil {
				sw.drops.Add(1)
				continue
			}
			sw.controller.PacketIn(PacketIn{
				DatapathId: sw.datapathId,
				InPort:     inPort,
				TableId:    out.TableId,
				Reason:     out.Reason,
				Cookie:     out.Cookie,
				MaxLen:     out.MaxLen,
				Frame:      out.Frame,
			})
		case oxm.OFPP_IN_PORT:
			sw.egress(inPort, out.Frame)
		case oxm.OFPP_ALL, oxm.OFPP_FLOOD:
			var targets []uint32
			for i := 1; i < len(sw.ports); i++ {
				if uint32(i) != inPort && sw.ports[i].Load() != nil {
					targets = append(targets, uint32(i))
				}
			}
			for k, portNo := range targets {
				f := out.Frame
				if k != len(targets)-1 {
					f = f.clone()
				}
				sw.egress(portNo, f)
			}
		case oxm.OFPP_LOCAL, oxm.OFPP_NORMAL, oxm.OFPP_TABLE:
			sw.drops.Add(1)
		default:
			sw.egress(out.Port, out.Frame)
		}
	}
}

func (sw *Switch) egress(portNo uint32, f *Frame) {
	slot := sw.slot(portNo)
	if slot == nil {
		sw.drops.Add(1)
		return
	}
	if err := slot.port.Egress(f); err != nil {
		slot.txDropped.Add(1)
		sw.log.WithError(err).WithField("port", portNo).Debug("egress failed")
		return
	}
	slot.txPackets.Add(1)
	slot.txBytes.Add(uint64(f.length))
}

// Expire removes timed out flow entries.
func (sw *Switch) Expire() int {
	return sw.pipeline.Expire(sw.pipeline.now())
}

// Close detaches every port and purges the pipeline.
func (sw *Switch) Close() error {
	sw.lock.Lock()
	defer sw.lock.Unlock()

	for i := 1; i < len(sw.ports); i++ {
		sw.ports[i].Store(nil)
	}
	_, profile, err := sw.config.profile()
	if err != nil {
		return err
	}
	return sw.pipeline.reset(profile)
}
