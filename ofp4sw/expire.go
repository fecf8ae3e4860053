package ofp4sw

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Expirer periodically removes timed out flow entries of every registered
// switch.
type Expirer struct {
	Registry *Registry
	Interval time.Duration
	Log      *logrus.Entry
}

// Run sweeps until ctx is done.
func (e *Expirer) Run(ctx context.Context) error {
	interval := e.Interval
	if interval <= 0 {
		interval = time.Second
	}
	log := e.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Registry.Each(func(sw *Switch) {
				if n := sw.Expire(); n > 0 {
					log.WithFields(logrus.Fields{"dpid": sw.datapathId, "count": n}).Debug("expired")
				}
			})
		}
	}
}
