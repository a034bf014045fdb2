package txnsvc

import (
	"errors"
)

// Container errors
var (
	// Installation errors
	ErrDuplicateService    = errors.New("service already installed under name")
	ErrCircularDependency  = errors.New("circular dependency detected")
	ErrForeignController   = errors.New("dependency targets a registry of another transaction controller")
	ErrAlreadyInstalled    = errors.New("service builder already installed")
	ErrServiceContextStale = errors.New("service context transaction is not active")

	// Lookup errors
	ErrServiceNotFound = errors.New("service not found")

	// Controller operation errors
	ErrRemovedService    = errors.New("cannot operate on removed service")
	ErrNotFailedState    = errors.New("service is not in failed state")
	ErrNotUpState        = errors.New("service is not in up state")
	ErrNilTransaction    = errors.New("transaction is nil")
	ErrParentNotStarting = errors.New("parent service is not starting")

	// Dependency validation problems
	ErrMissingDependency = errors.New("required dependency is not installed")
)
