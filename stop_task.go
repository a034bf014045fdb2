package txnsvc

import (
	"github.com/GoCodeAlone/txnsvc/txn"
)

// notifyStoppingTask propagates the coming shutdown through every incoming
// dependency edge so dependents begin transitioning down first.
type notifyStoppingTask struct {
	controller *ServiceController
	t          *txn.Transaction
}

func (nt *notifyStoppingTask) Execute(ctx *txn.ExecuteContext) {
	nt.controller.notifyServiceDown(nt.t)
	ctx.Complete()
}

// stopServiceTask invokes Service.Stop after the dependents were notified.
type stopServiceTask struct {
	controller *ServiceController
	t          *txn.Transaction
}

func (st *stopServiceTask) Execute(ctx *txn.ExecuteContext) {
	svc := st.controller.currentService()
	svc.Stop(&StopContext{task: st, execCtx: ctx})
}

// submitStopTasks schedules the stop task graph for a STOPPING controller:
// dependents are notified first, then the service body stops, then the
// controller reaches DOWN and applies any staged replacement.
func submitStopTasks(c *ServiceController, t *txn.Transaction) error {
	notify, err := t.NewTask(&notifyStoppingTask{controller: c, t: t}).Release()
	if err != nil {
		return err
	}
	_, err = t.NewTask(&stopServiceTask{controller: c, t: t}).AddDependency(notify).Release()
	return err
}

// stopFailedServiceTask takes a FAILED service to DOWN. The service body
// never started, so it is not invoked and no edges need notification.
type stopFailedServiceTask struct {
	controller *ServiceController
	t          *txn.Transaction
}

func (st *stopFailedServiceTask) Execute(ctx *txn.ExecuteContext) {
	st.controller.setServiceDown(st.t)
	ctx.Complete()
}

// submitStopFailedTask schedules the failed-service stop task.
func submitStopFailedTask(c *ServiceController, t *txn.Transaction) error {
	_, err := t.NewTask(&stopFailedServiceTask{controller: c, t: t}).Release()
	return err
}

// removeServiceTask detaches a DOWN controller from its registrations and
// marks it REMOVED. Its revert hook rebinds the controller when the
// transaction aborts.
type removeServiceTask struct {
	controller *ServiceController
	t          *txn.Transaction
}

func (rt *removeServiceTask) Execute(ctx *txn.ExecuteContext) {
	rt.controller.setServiceRemoved(rt.t)
	ctx.Complete()
}

func (rt *removeServiceTask) Revert(ctx *txn.WorkContext) {
	rt.controller.revertRemoval(rt.t)
}

// submitRemoveTask schedules the remove task for a REMOVING controller.
func submitRemoveTask(c *ServiceController, t *txn.Transaction) error {
	_, err := t.NewTask(&removeServiceTask{controller: c, t: t}).Release()
	return err
}
