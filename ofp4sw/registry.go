package ofp4sw

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Registry holds the switches of a process, keyed by datapath id.
type Registry struct {
	lock     sync.RWMutex
	switches map[uint64]*Switch
}

func NewRegistry() *Registry {
	return &Registry{switches: make(map[uint64]*Switch)}
}

func (reg *Registry) Add(sw *Switch) error {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if _, ok := reg.switches[sw.datapathId]; ok {
		return errors.Errorf("datapath %016x registered", sw.datapathId)
	}
	reg.switches[sw.datapathId] = sw
	return nil
}

func (reg *Registry) Get(datapathId uint64) (*Switch, bool) {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	sw, ok := reg.switches[datapathId]
	return sw, ok
}

// Remove unregisters and closes a switch.
func (reg *Registry) Remove(datapathId uint64) error {
	reg.lock.Lock()
	sw, ok := reg.switches[datapathId]
	delete(reg.switches, datapathId)
	reg.lock.Unlock()

	if !ok {
		return errors.Errorf("datapath %016x not registered", datapathId)
	}
	return sw.Close()
}

// Each visits the switches in datapath id order. fn runs outside the
// registry lock.
func (reg *Registry) Each(fn func(*Switch)) {
	reg.lock.RLock()
	list := make([]*Switch, 0, len(reg.switches))
	for _, sw := range reg.switches {
		list = append(list, sw)
	}
	reg.lock.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].datapathId < list[j].datapathId })
	for _, sw := range list {
		fn(sw)
	}
}

// Close closes every switch and empties the registry.
func (reg *Registry) Close() error {
	reg.lock.Lock()
	switches := reg.switches
	reg.switches = make(map[uint64]*Switch)
	reg.lock.Unlock()

	var err error
	for _, sw := range switches {
		err = multierr.Append(err, sw.Close())
	}
	return err
}
