package txnsvc

import (
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// ServiceController drives the lifecycle of one installed service. All
// predicate evaluation and state writes happen under the controller lock;
// task hooks call back through narrow entry points that re-lock and
// re-evaluate until the machine converges.
type ServiceController struct {
	mu sync.Mutex

	service        Service
	replacement    Service
	hasReplacement bool

	primary      *Registration
	aliases      []*Registration
	dependencies []*Dependency

	value any

	mode            Mode
	state           State
	enabled         bool
	registryEnabled bool
	removed         bool

	unsatisfied int
	demandedBy  int

	lifecycleTime time.Time

	// Notification queues, pushed under the lock and drained outside it in
	// insertion order.
	disableQ *notificationEntry
	enableQ  *notificationEntry
	removeQ  *notificationEntry
	replaceQ *notificationEntry
}

// notificationEntry is a node of a singly-linked notification queue. New
// entries are prepended; drains reverse the list to restore insertion order.
type notificationEntry struct {
	next     *notificationEntry
	listener Listener
}

func pushNotification(q **notificationEntry, l Listener) {
	*q = &notificationEntry{next: *q, listener: l}
}

// takeNotifications detaches the queue and reverses it into insertion order.
func takeNotifications(q **notificationEntry) *notificationEntry {
	head := *q
	*q = nil
	var reversed *notificationEntry
	for head != nil {
		next := head.next
		head.next = reversed
		reversed = head
		head = next
	}
	return reversed
}

func newServiceController(primary *Registration, aliases []*Registration, service Service, mode Mode, dependencies []*Dependency) *ServiceController {
	if service == nil {
		service = voidService{}
	}
	return &ServiceController{
		service:         service,
		primary:         primary,
		aliases:         aliases,
		dependencies:    dependencies,
		mode:            mode,
		state:           StateDown,
		enabled:         true,
		registryEnabled: true,
		unsatisfied:     len(dependencies),
	}
}

// Name returns the primary registration name.
func (c *ServiceController) Name() ServiceName {
	return c.primary.Name()
}

// Registry returns the registry holding the primary registration.
func (c *ServiceController) Registry() *ServiceRegistry {
	return c.primary.Registry()
}

// State returns the current lifecycle state.
func (c *ServiceController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the service mode.
func (c *ServiceController) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// GetService returns the current service, or nil when the controller was
// built without one.
func (c *ServiceController) GetService() Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.service.(voidService); ok {
		return nil
	}
	return c.service
}

// Value returns the value produced by the last successful start, or nil.
func (c *ServiceController) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// UnsatisfiedDependencies returns the number of currently unsatisfied
// dependency edges.
func (c *ServiceController) UnsatisfiedDependencies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsatisfied
}

// DemandedBy returns the number of demanders currently holding this
// service up.
func (c *ServiceController) DemandedBy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.demandedBy
}

// LifecycleTime returns when the last lifecycle change was initiated.
func (c *ServiceController) LifecycleTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycleTime
}

// Dependencies returns the outgoing dependency edges.
func (c *ServiceController) Dependencies() []*Dependency {
	return c.dependencies
}

func (c *ServiceController) logger() Logger {
	return c.primary.Registry().Logger()
}

// validateTransaction checks that t is an active update transaction issued
// by the controller that owns this service's registry, and marks it
// modified.
func (c *ServiceController) validateTransaction(t *txn.Transaction) error {
	if t == nil {
		return fmt.Errorf("%w", ErrNilTransaction)
	}
	if !c.primary.Registry().TransactionController().Owns(t) {
		return fmt.Errorf("%w", txn.ErrForeignTransaction)
	}
	if t.Phase() != txn.PhaseActive {
		return fmt.Errorf("%w: phase %s", txn.ErrInvalidTransactionState, t.Phase())
	}
	return t.SetModified()
}

// beginInstallation binds the controller to its primary and alias
// registrations and verifies the dependency graph stays acyclic. A failed
// binding is rolled back completely.
func (c *ServiceController) beginInstallation() error {
	if !c.primary.install(c) {
		return fmt.Errorf("%w: %s", ErrDuplicateService, c.primary.Name())
	}
	bound := 0
	rollback := func() {
		for i := 0; i < bound; i++ {
			c.aliases[i].uninstall(c)
		}
		c.primary.uninstall(c)
	}
	for _, alias := range c.aliases {
		if !alias.install(c) {
			rollback()
			return fmt.Errorf("%w: %s", ErrDuplicateService, alias.Name())
		}
		bound++
	}
	if err := detectCycle(c); err != nil {
		rollback()
		return err
	}
	return nil
}

// completeInstallation attaches the dependency edges, applies the registry
// enable bit, demands dependencies for active mode, and runs the first
// transition.
func (c *ServiceController) completeInstallation(t *txn.Transaction) {
	c.submitTask(t, submitInstallTask)
	// The registry enable bit is applied before the edges attach, since an
	// edge observing a satisfied target runs a transition immediately.
	regEnabled := c.primary.Registry().Enabled()
	c.mu.Lock()
	if !regEnabled {
		c.registryEnabled = false
	}
	demandDeps := c.mode == ModeActive
	c.mu.Unlock()
	for _, d := range c.dependencies {
		d.setDependent(c, t)
	}
	c.primary.Registry().serviceInstalled()
	if demandDeps {
		c.demandDependencies(t)
	}
	c.mu.Lock()
	c.transition(t)
	c.mu.Unlock()
	c.primary.Registry().emit(EventServiceInstalled, c)
}

// clear detaches the controller from all registrations and edges. Invoked
// once the service reached its removed state.
func (c *ServiceController) clear(t *txn.Transaction) {
	c.primary.clearController(t, c)
	for _, alias := range c.aliases {
		alias.clearController(t, c)
	}
	undemand := c.Mode() == ModeActive
	for _, d := range c.dependencies {
		if undemand {
			d.undemand(t)
		}
		d.clearDependent(t)
	}
	c.primary.Registry().serviceRemoved()
}

// Enable sets the service enable bit. The completion listener fires once
// the service reaches UP or FAILED, or immediately when it already has.
func (c *ServiceController) Enable(t *txn.Transaction, completion Listener) error {
	if err := c.validateTransaction(t); err != nil {
		return err
	}
	c.mu.Lock()
	if c.removed || c.state == StateRemoving || c.state == StateRemoved {
		c.mu.Unlock()
		return fmt.Errorf("%w: enable %s", ErrRemovedService, c.primary.Name())
	}
	if !c.enabled {
		c.enabled = true
		if c.registryEnabled {
			c.transition(t)
		}
	}
	if completion == nil {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateUp && c.state != StateFailed {
		pushNotification(&c.enableQ, completion)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.safeCallListener(completion)
	return nil
}

// Disable clears the service enable bit. The completion listener fires once
// the service reaches DOWN, or immediately when it already has.
func (c *ServiceController) Disable(t *txn.Transaction, completion Listener) error {
	if err := c.validateTransaction(t); err != nil {
		return err
	}
	c.mu.Lock()
	if c.removed || c.state == StateRemoving || c.state == StateRemoved {
		c.mu.Unlock()
		return fmt.Errorf("%w: disable %s", ErrRemovedService, c.primary.Name())
	}
	if c.enabled {
		c.enabled = false
		if c.registryEnabled {
			c.transition(t)
		}
	}
	if completion == nil {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateDown {
		pushNotification(&c.disableQ, completion)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.safeCallListener(completion)
	return nil
}

// Remove removes the service. All dependent services transition down as a
// result. The completion listener fires once the service reaches REMOVED.
func (c *ServiceController) Remove(t *txn.Transaction, completion Listener) error {
	if err := c.validateTransaction(t); err != nil {
		return err
	}
	c.removeInternal(t, completion)
	return nil
}

// removeInternal is the entry point shared by Remove, registry removal and
// cascading parent-edge removal.
func (c *ServiceController) removeInternal(t *txn.Transaction, completion Listener) {
	c.mu.Lock()
	if !c.removed {
		c.removed = true
		c.transition(t)
	}
	if completion == nil {
		c.mu.Unlock()
		return
	}
	if c.state != StateRemoved {
		pushNotification(&c.removeQ, completion)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.safeCallListener(completion)
}

// Retry forces a FAILED service through a stop-and-start cycle by clearing
// and re-setting the service enable bit. The completion listener fires once
// the service reaches UP or FAILED again.
func (c *ServiceController) Retry(t *txn.Transaction, completion Listener) error {
	if err := c.validateTransaction(t); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed || c.state == StateRemoving || c.state == StateRemoved {
		return fmt.Errorf("%w: retry %s", ErrRemovedService, c.primary.Name())
	}
	if c.state != StateFailed {
		return fmt.Errorf("%w: retry %s in state %s", ErrNotFailedState, c.primary.Name(), c.state)
	}
	c.enabled = false
	if completion != nil {
		pushNotification(&c.enableQ, completion)
	}
	c.transition(t)
	c.enabled = true
	return nil
}

// Restart stops and restarts an UP service. The completion listener fires
// once the service reaches UP or FAILED again.
func (c *ServiceController) Restart(t *txn.Transaction, completion Listener) error {
	if err := c.validateTransaction(t); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed || c.state == StateRemoving || c.state == StateRemoved {
		return fmt.Errorf("%w: restart %s", ErrRemovedService, c.primary.Name())
	}
	if c.state != StateUp {
		return fmt.Errorf("%w: restart %s in state %s", ErrNotUpState, c.primary.Name(), c.state)
	}
	c.enabled = false
	if completion != nil {
		pushNotification(&c.enableQ, completion)
	}
	c.transition(t)
	c.enabled = true
	return nil
}

// Replace swaps the service implementation. A DOWN service is swapped in
// place and the listener fires immediately; otherwise the replacement is
// staged, the running service stops, and the swap happens when it reaches
// DOWN.
func (c *ServiceController) Replace(t *txn.Transaction, newService Service, completion Listener) error {
	if err := c.validateTransaction(t); err != nil {
		return err
	}
	if newService == nil {
		newService = voidService{}
	}
	c.mu.Lock()
	if c.removed || c.state == StateRemoving || c.state == StateRemoved {
		c.mu.Unlock()
		return fmt.Errorf("%w: replace %s", ErrRemovedService, c.primary.Name())
	}
	if c.state == StateDown {
		c.service = newService
		c.mu.Unlock()
		if completion != nil {
			c.safeCallListener(completion)
		}
		return nil
	}
	c.replacement = newService
	c.hasReplacement = true
	if completion != nil {
		pushNotification(&c.replaceQ, completion)
	}
	c.transition(t)
	c.mu.Unlock()
	return nil
}

// enableRegistry propagates a registry-wide enable.
func (c *ServiceController) enableRegistry(t *txn.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed || c.registryEnabled {
		return
	}
	c.registryEnabled = true
	if c.enabled {
		c.transition(t)
	}
}

// disableRegistry propagates a registry-wide disable.
func (c *ServiceController) disableRegistry(t *txn.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed || !c.registryEnabled {
		return
	}
	c.registryEnabled = false
	if c.enabled {
		c.transition(t)
	}
}

// demand records that an incoming edge demands this service. The first
// demander propagates demand onward for non-active modes.
func (c *ServiceController) demand(t *txn.Transaction) {
	c.mu.Lock()
	c.demandedBy++
	if c.demandedBy > 1 {
		c.mu.Unlock()
		return
	}
	propagate := c.mode != ModeActive
	c.mu.Unlock()
	if propagate {
		c.demandDependencies(t)
	}
	c.mu.Lock()
	c.transition(t)
	c.mu.Unlock()
}

// undemand withdraws a demand. The last demander withdraws the propagated
// demand for non-active modes.
func (c *ServiceController) undemand(t *txn.Transaction) {
	c.mu.Lock()
	c.demandedBy--
	if c.demandedBy > 0 {
		c.mu.Unlock()
		return
	}
	propagate := c.mode != ModeActive
	c.mu.Unlock()
	if propagate {
		c.undemandDependencies(t)
	}
	c.mu.Lock()
	c.transition(t)
	c.mu.Unlock()
}

func (c *ServiceController) demandDependencies(t *txn.Transaction) {
	for _, d := range c.dependencies {
		d.demand(t)
	}
}

func (c *ServiceController) undemandDependencies(t *txn.Transaction) {
	for _, d := range c.dependencies {
		d.undemand(t)
	}
}

// dependencySatisfied records one more satisfied dependency edge.
func (c *ServiceController) dependencySatisfied(t *txn.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsatisfied--
	if c.unsatisfied > 0 {
		return
	}
	c.transition(t)
}

// dependencyUnsatisfied records one more unsatisfied dependency edge.
func (c *ServiceController) dependencyUnsatisfied(t *txn.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsatisfied++
	if c.unsatisfied > 1 {
		return
	}
	c.transition(t)
}

// setServiceUp is invoked by the start task when the service started.
func (c *ServiceController) setServiceUp(value any, t *txn.Transaction) {
	c.mu.Lock()
	c.value = value
	c.state = StateUp
	c.transition(t)
	enable := takeNotifications(&c.enableQ)
	c.mu.Unlock()
	c.drain(enable)
	c.primary.Registry().emit(EventServiceStarted, c)
}

// setServiceFailed is invoked by the start task when the service failed to
// start.
func (c *ServiceController) setServiceFailed(t *txn.Transaction) {
	c.logger().Error("Service start failed", "service", c.primary.Name().String())
	c.mu.Lock()
	c.state = StateFailed
	c.transition(t)
	enable := takeNotifications(&c.enableQ)
	c.mu.Unlock()
	c.drain(enable)
	c.primary.Registry().emit(EventServiceFailed, c)
}

// setServiceDown is invoked by the stop task when the service stopped. A
// staged replacement is swapped in before the controller lock is released,
// so a re-start triggered by the same transition picks up the new service.
func (c *ServiceController) setServiceDown(t *txn.Transaction) {
	c.mu.Lock()
	c.value = nil
	c.state = StateDown
	c.transition(t)
	var replace *notificationEntry
	if c.hasReplacement {
		c.service = c.replacement
		c.replacement = nil
		c.hasReplacement = false
		replace = takeNotifications(&c.replaceQ)
	}
	disable := takeNotifications(&c.disableQ)
	c.mu.Unlock()
	c.drain(replace)
	c.drain(disable)
	c.primary.Registry().emit(EventServiceStopped, c)
}

// setServiceRemoved is invoked by the remove task. It clears every
// registration binding and fires the retained listeners.
func (c *ServiceController) setServiceRemoved(t *txn.Transaction) {
	c.mu.Lock()
	c.state = StateRemoved
	disable := takeNotifications(&c.disableQ)
	enable := takeNotifications(&c.enableQ)
	remove := takeNotifications(&c.removeQ)
	c.mu.Unlock()
	c.clear(t)
	c.drain(disable)
	c.drain(enable)
	c.drain(remove)
	c.primary.Registry().emit(EventServiceRemoved, c)
}

// revertStart undoes a start applied inside a transaction that aborted.
func (c *ServiceController) revertStart(t *txn.Transaction) {
	c.mu.Lock()
	c.value = nil
	c.state = StateDown
	c.mu.Unlock()
	c.notifyServiceDown(t)
}

// revertInstallation unbinds a controller whose installation was rolled
// back by an aborted transaction.
func (c *ServiceController) revertInstallation(t *txn.Transaction) {
	c.mu.Lock()
	if c.state == StateRemoved {
		c.mu.Unlock()
		return
	}
	c.removed = true
	c.state = StateRemoved
	c.mu.Unlock()
	c.clear(t)
}

// revertRemoval rebinds a controller whose removal was rolled back.
func (c *ServiceController) revertRemoval(t *txn.Transaction) {
	c.primary.install(c)
	for _, alias := range c.aliases {
		alias.install(c)
	}
	for _, d := range c.dependencies {
		d.setDependent(c, t)
	}
	c.primary.Registry().serviceInstalled()
	c.mu.Lock()
	c.removed = false
	c.state = StateDown
	c.mu.Unlock()
	if c.Mode() == ModeActive {
		c.demandDependencies(t)
	}
}

// notifyServiceUp broadcasts the up event through every registration.
func (c *ServiceController) notifyServiceUp(t *txn.Transaction) {
	c.primary.serviceUp(t)
	for _, alias := range c.aliases {
		alias.serviceUp(t)
	}
}

// notifyServiceDown broadcasts the down event through every registration.
func (c *ServiceController) notifyServiceDown(t *txn.Transaction) {
	c.primary.serviceDown(t)
	for _, alias := range c.aliases {
		alias.serviceDown(t)
	}
}

// transition fires the next state change warranted by the current inputs.
// Each terminal task callback re-enters here, so the machine converges to a
// fixed point across callbacks. Caller must hold c.mu.
func (c *ServiceController) transition(t *txn.Transaction) {
	switch c.state {
	case StateDown:
		if c.unsatisfied == 0 && c.shouldStart() {
			c.lifecycleTime = time.Now()
			c.state = StateStarting
			c.submitTask(t, submitStartTask)
		} else if c.removed {
			c.state = StateRemoving
			c.submitTask(t, submitRemoveTask)
		}
	case StateUp:
		if c.unsatisfied > 0 || c.shouldStop() {
			c.lifecycleTime = time.Now()
			c.state = StateStopping
			c.submitTask(t, submitStopTasks)
		}
	case StateFailed:
		if c.unsatisfied > 0 || c.shouldStop() {
			c.lifecycleTime = time.Now()
			c.state = StateStopping
			c.submitTask(t, submitStopFailedTask)
		}
	}
}

// submitTask runs one of the task-graph constructors, logging a failure to
// schedule against a transaction that no longer accepts tasks.
func (c *ServiceController) submitTask(t *txn.Transaction, submit func(*ServiceController, *txn.Transaction) error) {
	if err := submit(c, t); err != nil {
		c.logger().Error("Failed to submit lifecycle tasks",
			"service", c.primary.Name().String(), "state", c.state.String(), "error", err)
	}
}

// shouldStart evaluates the start predicate. Caller must hold c.mu.
func (c *ServiceController) shouldStart() bool {
	return (c.mode == ModeActive || c.demandedBy > 0) &&
		c.enabled && c.registryEnabled && !c.removed
}

// shouldStop evaluates the stop predicate. Caller must hold c.mu.
func (c *ServiceController) shouldStop() bool {
	return (c.mode == ModeOnDemand && c.demandedBy == 0) ||
		!c.enabled || !c.registryEnabled || c.removed || c.hasReplacement
}

// drain calls each queued listener exactly once, in insertion order,
// outside the controller lock.
func (c *ServiceController) drain(q *notificationEntry) {
	for q != nil {
		c.safeCallListener(q.listener)
		q = q.next
	}
}

// safeCallListener shields the container from panicking listeners.
func (c *ServiceController) safeCallListener(l Listener) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Error("Service listener panicked",
				"service", c.primary.Name().String(), "panic", fmt.Sprintf("%v", r))
		}
	}()
	l(c)
}

// currentService returns the service implementation to start or stop.
func (c *ServiceController) currentService() Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service
}
