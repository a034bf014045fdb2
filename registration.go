package txnsvc

import (
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// requiredDepsKey holds the one required-dependencies check installed per
// transaction. The check scans every registration touched during the
// transaction at PREPARE time.
var requiredDepsKey = txn.NewAttachmentKey[*requiredDepsCheck]()

// Registration is a named slot in a registry. It holds at most one service
// controller and the set of dependency edges pointing at it, and maintains
// the demand count forwarded to the holder on 0<->1 boundary crossings.
type Registration struct {
	name     ServiceName
	registry *ServiceRegistry
	holder   atomic.Pointer[ServiceController]

	mu       sync.Mutex
	incoming map[*Dependency]struct{}
	demand   int
}

func newRegistration(name ServiceName, registry *ServiceRegistry) *Registration {
	return &Registration{
		name:     name,
		registry: registry,
		incoming: make(map[*Dependency]struct{}),
	}
}

// Name returns the registration name.
func (r *Registration) Name() ServiceName {
	return r.name
}

// Registry returns the registry owning this registration.
func (r *Registration) Registry() *ServiceRegistry {
	return r.registry
}

// Controller returns the currently installed controller, or nil.
func (r *Registration) Controller() *ServiceController {
	return r.holder.Load()
}

// install atomically claims the holder slot for c. It reports false when
// the slot is already occupied.
func (r *Registration) install(c *ServiceController) bool {
	return r.holder.CompareAndSwap(nil, c)
}

// uninstall releases the holder slot if c still occupies it.
func (r *Registration) uninstall(c *ServiceController) {
	r.holder.CompareAndSwap(c, nil)
}

// clearController removes the holder and schedules the required-dependency
// validation for the transaction's PREPARE.
func (r *Registration) clearController(t *txn.Transaction, c *ServiceController) {
	r.installDepsValidation(t)
	r.uninstall(c)
	r.prune()
}

// addIncomingDependency registers an edge targeting this registration and
// hands the edge its initial target observation. The observation happens
// under the registration lock so it cannot race a concurrent broadcast.
func (r *Registration) addIncomingDependency(t *txn.Transaction, d *Dependency) {
	r.installDepsValidation(t)
	r.mu.Lock()
	r.incoming[d] = struct{}{}
	up := r.holderUpLocked()
	d.attachObserved(t, up)
	r.mu.Unlock()
}

// removeIncomingDependency detaches an edge from this registration.
func (r *Registration) removeIncomingDependency(d *Dependency) {
	r.mu.Lock()
	delete(r.incoming, d)
	r.mu.Unlock()
	r.prune()
}

// holderUpLocked reports whether the installed controller is up.
// Caller must hold r.mu.
func (r *Registration) holderUpLocked() bool {
	c := r.holder.Load()
	return c != nil && c.State() == StateUp
}

// serviceUp broadcasts a target-up event to every incoming edge.
func (r *Registration) serviceUp(t *txn.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for d := range r.incoming {
		d.dependencyUp(t)
	}
}

// serviceDown broadcasts a target-down event to every incoming edge.
func (r *Registration) serviceDown(t *txn.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for d := range r.incoming {
		d.dependencyDown(t)
	}
}

// addDemand increments the demand count, forwarding the demand to the
// holder controller when the count leaves zero.
func (r *Registration) addDemand(t *txn.Transaction) {
	r.mu.Lock()
	r.demand++
	if r.demand > 1 {
		r.mu.Unlock()
		return
	}
	c := r.holder.Load()
	r.mu.Unlock()
	if c != nil {
		c.demand(t)
	}
}

// removeDemand decrements the demand count, forwarding the undemand to the
// holder controller when the count returns to zero.
func (r *Registration) removeDemand(t *txn.Transaction) {
	r.mu.Lock()
	r.demand--
	if r.demand > 0 {
		r.mu.Unlock()
		return
	}
	c := r.holder.Load()
	r.mu.Unlock()
	if c != nil {
		c.undemand(t)
	}
}

// Demanded reports whether the registration currently carries demand.
func (r *Registration) Demanded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.demand > 0
}

// remove removes the installed service, if any.
func (r *Registration) remove(t *txn.Transaction) {
	if c := r.holder.Load(); c != nil {
		c.removeInternal(t, nil)
	}
}

// enableRegistry propagates a registry enable to the holder controller.
func (r *Registration) enableRegistry(t *txn.Transaction) {
	if c := r.holder.Load(); c != nil {
		c.enableRegistry(t)
	}
}

// disableRegistry propagates a registry disable to the holder controller.
func (r *Registration) disableRegistry(t *txn.Transaction) {
	if c := r.holder.Load(); c != nil {
		c.disableRegistry(t)
	}
}

// installDepsValidation arranges for this registration to be validated when
// the transaction prepares. One check is shared per transaction through an
// attachment; the check runs as a post-prepare listener.
func (r *Registration) installDepsValidation(t *txn.Transaction) {
	check := txn.AttachmentOrNew(t, requiredDepsKey, func() *requiredDepsCheck {
		c := &requiredDepsCheck{report: t.Report()}
		c.registrations = make(map[*Registration]struct{})
		// A lost creation race leaves an extra listener scanning an empty
		// set, which is harmless.
		_ = t.AddPostPrepare(c.transactionPrepared)
		return c
	})
	check.add(r)
}

// prune releases the registration from its registry once it holds no
// controller, no incoming edges and no demand.
func (r *Registration) prune() {
	r.registry.pruneRegistration(r)
}

// requiredDepsCheck validates, at PREPARE, that every required incoming
// edge of the registrations touched during the transaction has an
// installed target.
type requiredDepsCheck struct {
	mu            sync.Mutex
	report        *txn.ProblemReport
	registrations map[*Registration]struct{}
}

func (c *requiredDepsCheck) add(r *Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations[r] = struct{}{}
}

func (c *requiredDepsCheck) transactionPrepared() {
	c.mu.Lock()
	registrations := c.registrations
	c.registrations = make(map[*Registration]struct{})
	c.mu.Unlock()
	for r := range registrations {
		r.mu.Lock()
		for d := range r.incoming {
			d.validateRequired(c.report)
		}
		r.mu.Unlock()
	}
}
