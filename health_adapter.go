package txnsvc

import (
	"github.com/GoCodeAlone/txnsvc/health"
)

// ServiceSnapshots implements health.Source: every installed controller is
// reported with its current state. A controller counts as failed when it
// sits in the failed state.
func (r *ServiceRegistry) ServiceSnapshots() []health.Snapshot {
	controllers := r.Controllers()
	out := make([]health.Snapshot, 0, len(controllers))
	for _, c := range controllers {
		state := c.State()
		out = append(out, health.Snapshot{
			Name:     c.Name().String(),
			Registry: r.Name(),
			State:    state.String(),
			Mode:     c.Mode().String(),
			Since:    c.LifecycleTime(),
			Failed:   state == StateFailed,
		})
	}
	return out
}
