package txnsvc

import (
	"sync"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// startServiceTask invokes Service.Start. Its revert hook stops a service
// that came up inside a transaction that later aborted.
type startServiceTask struct {
	controller *ServiceController
	t          *txn.Transaction

	mu      sync.Mutex
	started bool
}

// submitStartTask schedules the start task graph for a STARTING controller.
func submitStartTask(c *ServiceController, t *txn.Transaction) error {
	task := &startServiceTask{controller: c, t: t}
	_, err := t.NewTask(task).Release()
	return err
}

func (st *startServiceTask) Execute(ctx *txn.ExecuteContext) {
	svc := st.controller.currentService()
	svc.Start(&StartContext{task: st, execCtx: ctx})
}

func (st *startServiceTask) Revert(ctx *txn.WorkContext) {
	st.mu.Lock()
	started := st.started
	st.mu.Unlock()
	if !started {
		return
	}
	c := st.controller
	svc := c.currentService()
	done := make(chan struct{})
	svc.Stop(&StopContext{complete: func() { close(done) }})
	<-done
	c.revertStart(st.t)
}

// StartContext is handed to Service.Start. Exactly one of Complete or Fail
// must be called per invocation.
type StartContext struct {
	task    *startServiceTask
	execCtx *txn.ExecuteContext
	once    sync.Once
}

// Transaction returns the transaction the start runs in.
func (sc *StartContext) Transaction() *txn.Transaction {
	return sc.task.t
}

// Complete marks the service as started, carrying the optional service
// value, and notifies every incoming dependency edge.
func (sc *StartContext) Complete(value any) {
	sc.once.Do(func() {
		sc.task.mu.Lock()
		sc.task.started = true
		sc.task.mu.Unlock()
		c := sc.task.controller
		c.setServiceUp(value, sc.task.t)
		c.notifyServiceUp(sc.task.t)
		sc.execCtx.Complete()
	})
}

// Fail marks the start as failed; the service transitions to its failed
// state and can be retried.
func (sc *StartContext) Fail() {
	sc.once.Do(func() {
		c := sc.task.controller
		c.setServiceFailed(sc.task.t)
		c.notifyServiceDown(sc.task.t)
		sc.execCtx.Complete()
	})
}

// AddProblem attaches a problem to the transaction's problem report.
func (sc *StartContext) AddProblem(severity txn.Severity, message string) {
	sc.execCtx.AddProblem(severity, message)
}

// AddProblemErr attaches a problem with an underlying cause.
func (sc *StartContext) AddProblemErr(severity txn.Severity, message string, cause error) {
	sc.execCtx.AddProblemErr(severity, message, cause)
}

// AddChildService opens a builder for a child service contained in the
// starting service. The child carries an implicit parent edge: it can only
// be up while the parent is up, and it is removed when the parent goes
// down.
func (sc *StartContext) AddChildService(registry *ServiceRegistry, name ServiceName) (*ServiceBuilder, error) {
	parent := sc.task.controller
	if parent.State() != StateStarting {
		return nil, ErrParentNotStarting
	}
	builder, err := newServiceBuilder(sc.task.t, registry, name)
	if err != nil {
		return nil, err
	}
	builder.addParentDependency(parent.primary)
	return builder, nil
}

// StopContext is handed to Service.Stop. Complete must be called exactly
// once per invocation.
type StopContext struct {
	task     *stopServiceTask
	execCtx  *txn.ExecuteContext
	complete func()
	once     sync.Once
}

// Complete marks the service as stopped.
func (sc *StopContext) Complete() {
	sc.once.Do(func() {
		if sc.complete != nil {
			sc.complete()
			return
		}
		c := sc.task.controller
		c.setServiceDown(sc.task.t)
		sc.execCtx.Complete()
	})
}

// AddProblem attaches a problem to the transaction's problem report.
func (sc *StopContext) AddProblem(severity txn.Severity, message string) {
	if sc.execCtx != nil {
		sc.execCtx.AddProblem(severity, message)
	}
}
