package txnsvc

import (
	"fmt"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// ServiceContext is the entry point for installing services inside an
// update transaction.
type ServiceContext struct {
	t *txn.Transaction
}

// NewServiceContext binds a service context to an active update
// transaction.
func NewServiceContext(t *txn.Transaction) (*ServiceContext, error) {
	if t == nil {
		return nil, fmt.Errorf("%w", ErrNilTransaction)
	}
	if t.Kind() != txn.KindUpdate {
		return nil, fmt.Errorf("%w", txn.ErrReadOnlyTransaction)
	}
	return &ServiceContext{t: t}, nil
}

// Transaction returns the bound transaction.
func (sc *ServiceContext) Transaction() *txn.Transaction {
	return sc.t
}

// AddService opens a builder for a new service under the given name.
func (sc *ServiceContext) AddService(registry *ServiceRegistry, name ServiceName) (*ServiceBuilder, error) {
	return newServiceBuilder(sc.t, registry, name)
}
