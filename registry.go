package txnsvc

import (
	"fmt"
	"sync"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// ServiceRegistry is a named collection of service registrations plus an
// enable flag that fans out to every installed controller. Registries are
// created against a transaction controller, which scopes all transactional
// operations on their services.
type ServiceRegistry struct {
	name       string
	controller *txn.TransactionController
	logger     Logger
	observers  observerRegistry

	mu            sync.Mutex
	registrations map[ServiceName]*Registration
	enabled       bool
	installed     int
	eventsOff     bool
}

// RegistryOption configures a registry at creation time.
type RegistryOption func(*ServiceRegistry)

// WithLogger sets the logger used by the registry and its controllers.
func WithLogger(logger Logger) RegistryOption {
	return func(r *ServiceRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an enabled, empty service registry bound to the given
// transaction controller.
func NewRegistry(controller *txn.TransactionController, name string, opts ...RegistryOption) *ServiceRegistry {
	r := &ServiceRegistry{
		name:          name,
		controller:    controller,
		logger:        noopLogger{},
		registrations: make(map[ServiceName]*Registration),
		enabled:       true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the registry name.
func (r *ServiceRegistry) Name() string {
	return r.name
}

// TransactionController returns the controller that scopes this registry.
func (r *ServiceRegistry) TransactionController() *txn.TransactionController {
	return r.controller
}

// Logger returns the registry logger.
func (r *ServiceRegistry) Logger() Logger {
	return r.logger
}

// Enabled reports whether the registry is enabled.
func (r *ServiceRegistry) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// GetService returns the controller installed under name, or nil.
func (r *ServiceRegistry) GetService(name ServiceName) *ServiceController {
	r.mu.Lock()
	reg, ok := r.registrations[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return reg.Controller()
}

// GetRequiredService returns the controller installed under name, failing
// when no service is installed there.
func (r *ServiceRegistry) GetRequiredService(name ServiceName) (*ServiceController, error) {
	c := r.GetService(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return c, nil
}

// Controllers returns a snapshot of every installed controller.
func (r *ServiceRegistry) Controllers() []*ServiceController {
	r.mu.Lock()
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.mu.Unlock()
	out := make([]*ServiceController, 0, len(regs))
	for _, reg := range regs {
		if c := reg.Controller(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// InstalledCount returns the number of services currently installed.
func (r *ServiceRegistry) InstalledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installed
}

// Enable enables the registry, re-running the state machine of every
// installed controller with the registry enable bit set.
func (r *ServiceRegistry) Enable(t *txn.Transaction) error {
	regs, changed, err := r.setEnabled(t, true)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		reg.enableRegistry(t)
	}
	if changed {
		r.emitRegistry(EventRegistryEnabled)
	}
	return nil
}

// Disable disables the registry, stopping every installed controller.
func (r *ServiceRegistry) Disable(t *txn.Transaction) error {
	regs, changed, err := r.setEnabled(t, false)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		reg.disableRegistry(t)
	}
	if changed {
		r.emitRegistry(EventRegistryDisabled)
	}
	return nil
}

func (r *ServiceRegistry) setEnabled(t *txn.Transaction, enabled bool) ([]*Registration, bool, error) {
	if err := r.validateTransaction(t); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled == enabled {
		return nil, false, nil
	}
	r.enabled = enabled
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	return regs, true, nil
}

// SetEventsEnabled toggles lifecycle event emission at runtime.
func (r *ServiceRegistry) SetEventsEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventsOff = !enabled
}

func (r *ServiceRegistry) eventsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.eventsOff
}

// Remove removes every service installed in the registry.
func (r *ServiceRegistry) Remove(t *txn.Transaction) error {
	if err := r.validateTransaction(t); err != nil {
		return err
	}
	r.mu.Lock()
	regs := make([]*Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.mu.Unlock()
	for _, reg := range regs {
		reg.remove(t)
	}
	return nil
}

func (r *ServiceRegistry) validateTransaction(t *txn.Transaction) error {
	if t == nil {
		return fmt.Errorf("%w", ErrNilTransaction)
	}
	if !r.controller.Owns(t) {
		return fmt.Errorf("%w", txn.ErrForeignTransaction)
	}
	if t.Phase() != txn.PhaseActive {
		return fmt.Errorf("%w: phase %s", txn.ErrInvalidTransactionState, t.Phase())
	}
	return t.SetModified()
}

// getOrCreateRegistration returns the registration for name, creating it
// when absent. Registrations are visible to readers as soon as created.
func (r *ServiceRegistry) getOrCreateRegistration(name ServiceName) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registrations[name]
	if !ok {
		reg = newRegistration(name, r)
		r.registrations[name] = reg
	}
	return reg
}

// pruneRegistration drops a registration once it holds no controller, no
// incoming edges and no demand. The state is re-checked under both locks so
// a concurrent install cannot be lost.
func (r *ServiceRegistry) pruneRegistration(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.registrations[reg.name]
	if !ok || current != reg {
		return
	}
	reg.mu.Lock()
	empty := reg.holder.Load() == nil && len(reg.incoming) == 0 && reg.demand == 0
	reg.mu.Unlock()
	if empty {
		delete(r.registrations, reg.name)
	}
}

// serviceInstalled records one more installed service.
func (r *ServiceRegistry) serviceInstalled() {
	r.mu.Lock()
	r.installed++
	r.mu.Unlock()
}

// serviceRemoved records one less installed service.
func (r *ServiceRegistry) serviceRemoved() {
	r.mu.Lock()
	r.installed--
	r.mu.Unlock()
}

// RegisterObserver adds an observer for container events, optionally
// filtered by event type. Registering an observer with a known ID replaces
// its previous registration.
func (r *ServiceRegistry) RegisterObserver(observer Observer, eventTypes ...string) {
	r.observers.register(observer, eventTypes...)
}

// UnregisterObserver removes an observer. Unknown observers are ignored.
func (r *ServiceRegistry) UnregisterObserver(observer Observer) {
	r.observers.unregister(observer)
}

// emit publishes a service lifecycle event to registered observers.
func (r *ServiceRegistry) emit(eventType string, c *ServiceController) {
	if !r.eventsEnabled() {
		return
	}
	event := NewCloudEvent(eventType, "txnsvc/registry/"+r.name, serviceEventData{
		Service:  c.Name().String(),
		Registry: r.name,
		State:    c.State().String(),
		Mode:     c.Mode().String(),
	})
	r.observers.notify(event, r.logger)
}

// emitRegistry publishes a registry-level event to registered observers.
func (r *ServiceRegistry) emitRegistry(eventType string) {
	if !r.eventsEnabled() {
		return
	}
	event := NewCloudEvent(eventType, "txnsvc/registry/"+r.name, map[string]string{
		"registry": r.name,
	})
	r.observers.notify(event, r.logger)
}
