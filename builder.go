package txnsvc

import (
	"fmt"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// ServiceBuilder assembles a service installation inside an update
// transaction. Builders are not safe for concurrent use; a builder belongs
// to the goroutine driving the transaction.
type ServiceBuilder struct {
	t            *txn.Transaction
	registry     *ServiceRegistry
	name         ServiceName
	aliases      []ServiceName
	service      Service
	mode         Mode
	dependencies []*Dependency
	installed    bool
}

func newServiceBuilder(t *txn.Transaction, registry *ServiceRegistry, name ServiceName) (*ServiceBuilder, error) {
	if t == nil {
		return nil, fmt.Errorf("%w", ErrNilTransaction)
	}
	if !registry.TransactionController().Owns(t) {
		return nil, fmt.Errorf("%w", txn.ErrForeignTransaction)
	}
	if t.Phase() != txn.PhaseActive {
		return nil, fmt.Errorf("%w: phase %s", ErrServiceContextStale, t.Phase())
	}
	if err := t.SetModified(); err != nil {
		return nil, err
	}
	return &ServiceBuilder{t: t, registry: registry, name: name, mode: ModeActive}, nil
}

// SetMode sets the service mode. The default is ModeActive.
func (b *ServiceBuilder) SetMode(mode Mode) *ServiceBuilder {
	b.mode = mode
	return b
}

// SetService sets the service implementation. A builder installed without a
// service holds a placeholder that starts and stops instantly.
func (b *ServiceBuilder) SetService(service Service) *ServiceBuilder {
	b.service = service
	return b
}

// AddAliases registers additional names resolving to the same service.
// The primary name and duplicates are ignored.
func (b *ServiceBuilder) AddAliases(aliases ...ServiceName) *ServiceBuilder {
	for _, alias := range aliases {
		if alias.IsZero() || alias == b.name {
			continue
		}
		dup := false
		for _, existing := range b.aliases {
			if existing == alias {
				dup = true
				break
			}
		}
		if !dup {
			b.aliases = append(b.aliases, alias)
		}
	}
	return b
}

// AddDependency declares a dependency on a service in the builder's own
// registry.
func (b *ServiceBuilder) AddDependency(name ServiceName, flags ...DependencyFlag) (*Dependency, error) {
	return b.AddRegistryDependency(b.registry, name, flags...)
}

// AddRegistryDependency declares a dependency on a service in another
// registry. Both registries must belong to the same transaction controller.
func (b *ServiceBuilder) AddRegistryDependency(registry *ServiceRegistry, name ServiceName, flags ...DependencyFlag) (*Dependency, error) {
	if b.installed {
		return nil, fmt.Errorf("%w", ErrAlreadyInstalled)
	}
	if registry.TransactionController() != b.registry.TransactionController() {
		return nil, fmt.Errorf("%w: %s", ErrForeignController, name)
	}
	target := registry.getOrCreateRegistration(name)
	d := newDependency(target, CombineFlags(flags...))
	b.dependencies = append(b.dependencies, d)
	return d, nil
}

// addParentDependency attaches the implicit containment edge of a child
// service created from a starting parent.
func (b *ServiceBuilder) addParentDependency(parent *Registration) {
	d := newDependency(parent, CombineFlags(FlagUnrequired, FlagParent))
	b.dependencies = append(b.dependencies, d)
}

// Install creates the service controller, binds it to its registrations,
// verifies the dependency graph stays acyclic, and runs the first state
// transition. Binding failures leave every holder slot unchanged.
func (b *ServiceBuilder) Install() (*ServiceController, error) {
	if b.installed {
		return nil, fmt.Errorf("%w", ErrAlreadyInstalled)
	}
	b.installed = true
	if b.t.Phase() != txn.PhaseActive {
		return nil, fmt.Errorf("%w: phase %s", ErrServiceContextStale, b.t.Phase())
	}

	primary := b.registry.getOrCreateRegistration(b.name)
	aliasRegs := make([]*Registration, 0, len(b.aliases))
	for _, alias := range b.aliases {
		aliasRegs = append(aliasRegs, b.registry.getOrCreateRegistration(alias))
	}

	controller := newServiceController(primary, aliasRegs, b.service, b.mode, b.dependencies)
	if err := controller.beginInstallation(); err != nil {
		return nil, err
	}
	controller.completeInstallation(b.t)
	return controller, nil
}
