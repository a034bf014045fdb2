package txnsvc

import (
	"github.com/GoCodeAlone/txnsvc/txn"
)

// installServiceTask anchors a service installation in the transaction.
// Executing it is a no-op; its revert hook unbinds the controller so an
// aborted transaction leaves no trace of the installation. It is created
// before any lifecycle task of the controller, so the reverse-topological
// revert order stops the service first and unbinds it last.
type installServiceTask struct {
	controller *ServiceController
	t          *txn.Transaction
}

func (it *installServiceTask) Execute(ctx *txn.ExecuteContext) {
	ctx.Complete()
}

func (it *installServiceTask) Revert(ctx *txn.WorkContext) {
	it.controller.revertInstallation(it.t)
}

func submitInstallTask(c *ServiceController, t *txn.Transaction) error {
	_, err := t.NewTask(&installServiceTask{controller: c, t: t}).Release()
	return err
}
