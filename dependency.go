package txnsvc

import (
	"fmt"
	"sync"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// Dependency is the edge between a dependent service controller and a
// dependency registration. The edge caches the last observed up/down status
// of its target and translates target events into satisfaction changes on
// the dependent, according to the edge polarity.
type Dependency struct {
	registration *Registration
	flags        DependencyFlags

	mu        sync.Mutex
	dependent *ServiceController
	targetUp  bool
}

func newDependency(registration *Registration, flags DependencyFlags) *Dependency {
	return &Dependency{registration: registration, flags: flags}
}

// Registration returns the target registration of this edge.
func (d *Dependency) Registration() *Registration {
	return d.registration
}

// Flags returns the edge flags.
func (d *Dependency) Flags() DependencyFlags {
	return d.flags
}

// satisfiedLocked reports whether the cached target status satisfies the
// edge polarity. Caller must hold d.mu.
func (d *Dependency) satisfiedLocked() bool {
	if d.flags.Has(FlagRequireDown) {
		return !d.targetUp
	}
	return d.targetUp
}

// Satisfied reports whether the edge is currently satisfied.
func (d *Dependency) Satisfied() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.satisfiedLocked()
}

// setDependent attaches the back-reference to the dependent controller and
// registers the edge with the target registration. The dependent's
// unsatisfied counter starts at the number of edges, so the edge reports an
// immediate satisfaction for a target that already matches its polarity.
func (d *Dependency) setDependent(dependent *ServiceController, t *txn.Transaction) {
	d.mu.Lock()
	d.dependent = dependent
	d.mu.Unlock()
	d.registration.addIncomingDependency(t, d)
}

// attachObserved records the target status seen while the edge was added to
// the target's incoming set. Called under the target registration lock.
func (d *Dependency) attachObserved(t *txn.Transaction, up bool) {
	d.mu.Lock()
	d.targetUp = up
	satisfied := d.satisfiedLocked()
	dependent := d.dependent
	d.mu.Unlock()
	if satisfied && dependent != nil {
		dependent.dependencySatisfied(t)
	}
}

// clearDependent detaches the edge from its target registration.
// Called when the dependent is removed.
func (d *Dependency) clearDependent(t *txn.Transaction) {
	d.registration.removeIncomingDependency(d)
	d.mu.Lock()
	d.dependent = nil
	d.mu.Unlock()
}

// dependencyUp records that the target came up. Duplicate notifications are
// absorbed by the cached status bit.
func (d *Dependency) dependencyUp(t *txn.Transaction) {
	d.mu.Lock()
	if d.targetUp {
		d.mu.Unlock()
		return
	}
	d.targetUp = true
	dependent := d.dependent
	down := d.flags.Has(FlagRequireDown)
	d.mu.Unlock()
	if dependent == nil {
		return
	}
	if down {
		dependent.dependencyUnsatisfied(t)
	} else {
		dependent.dependencySatisfied(t)
	}
}

// dependencyDown records that the target went down. A parent edge whose
// target goes down additionally removes the dependent service.
func (d *Dependency) dependencyDown(t *txn.Transaction) {
	d.mu.Lock()
	if !d.targetUp {
		d.mu.Unlock()
		return
	}
	d.targetUp = false
	dependent := d.dependent
	down := d.flags.Has(FlagRequireDown)
	parent := d.flags.Has(FlagParent)
	d.mu.Unlock()
	if dependent == nil {
		return
	}
	if down {
		dependent.dependencySatisfied(t)
	} else {
		dependent.dependencyUnsatisfied(t)
	}
	if parent {
		dependent.removeInternal(t, nil)
	}
}

// demand forwards demand to the target registration unless the edge
// suppresses demand propagation.
func (d *Dependency) demand(t *txn.Transaction) {
	if d.flags.Has(FlagNoDemand) {
		return
	}
	d.registration.addDemand(t)
}

// undemand withdraws a previously forwarded demand.
func (d *Dependency) undemand(t *txn.Transaction) {
	if d.flags.Has(FlagNoDemand) {
		return
	}
	d.registration.removeDemand(t)
}

// validateRequired reports a problem when a required edge points at a
// registration without an installed service. Called at PREPARE under the
// target registration lock.
func (d *Dependency) validateRequired(report *txn.ProblemReport) {
	if d.flags.Has(FlagUnrequired) || d.flags.Has(FlagRequireDown) {
		return
	}
	if d.registration.Controller() != nil {
		return
	}
	d.mu.Lock()
	dependent := d.dependent
	d.mu.Unlock()
	dependentName := "<detached>"
	if dependent != nil {
		dependentName = dependent.Name().String()
	}
	report.Add(txn.Problem{
		Severity: txn.SeverityError,
		Message:  fmt.Sprintf("service %s requires %s which is not installed", dependentName, d.registration.Name()),
		Cause:    ErrMissingDependency,
	})
}
