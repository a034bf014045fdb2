package txn

import (
	"errors"
)

// Transaction and task runtime errors
var (
	// Transaction lifecycle errors
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrForeignTransaction      = errors.New("transaction was created by another controller")
	ErrCannotCommit            = errors.New("transaction cannot commit: problem report contains errors")
	ErrReadOnlyTransaction     = errors.New("operation requires an update transaction")

	// Hold handle errors
	ErrHoldNotActive = errors.New("hold handles can only be acquired on active transactions")

	// Task errors
	ErrTaskNotAccepting     = errors.New("transaction no longer accepts new tasks")
	ErrTaskAlreadyReleased  = errors.New("task builder already released")
	ErrTaskForeignDependent = errors.New("task dependency belongs to another transaction")
	ErrParentNotExecuting   = errors.New("child tasks can only be created while the parent executes")
)
