package txn

import (
	"fmt"
	"sync"
)

// Executable is the unit of work a task performs during the EXECUTE phase.
// The executable must call exactly one of ctx.Complete or ctx.Cancel, either
// synchronously or from another goroutine, once its work has terminated.
//
// An executable that also implements Revertible, Validatable or Committable
// has the corresponding hooks invoked during the later transaction phases.
type Executable interface {
	Execute(ctx *ExecuteContext)
}

// ExecutableFunc adapts a function to the Executable interface.
type ExecutableFunc func(ctx *ExecuteContext)

// Execute calls f(ctx).
func (f ExecutableFunc) Execute(ctx *ExecuteContext) {
	f(ctx)
}

// Revertible is implemented by executables whose effects can be undone.
// Revert is invoked exactly once, in reverse topological order, for every
// task that completed EXECUTE when the transaction aborts or restarts.
// Cancelled tasks are never reverted.
type Revertible interface {
	Revert(ctx *WorkContext)
}

// Validatable is implemented by executables that participate in the VALIDATE
// pass at the end of PREPARE. Validation failures are reported as problems;
// an error-severity problem blocks commit.
type Validatable interface {
	Validate(ctx *WorkContext)
}

// Committable is implemented by executables with a commit hook, invoked
// exactly once per task in topological order when the transaction commits.
type Committable interface {
	Commit(ctx *WorkContext)
}

// taskState tracks a task through its internal lifecycle.
type taskState int

const (
	taskNew taskState = iota
	taskExecuting
	taskExecuted
	taskCancelled
	taskValidating
	taskValidated
	taskCommitting
	taskReverting
	taskDone
)

// TaskController is the handle to a task created inside a transaction.
// It can be used as a dependency of later tasks.
type TaskController struct {
	txn        *Transaction
	executable Executable

	// hookMu serialises invocations of the user-supplied hooks so the
	// execute, validate, commit and revert bodies of one task never overlap.
	hookMu sync.Mutex

	// The fields below are guarded by the transaction mutex.
	state          taskState
	parent         *TaskController
	dependents     []*TaskController
	unfinishedDeps int
	childActive    int
	execDone       bool
	cancelled      bool
}

// Transaction returns the transaction this task belongs to.
func (tc *TaskController) Transaction() *Transaction {
	return tc.txn
}

// terminatedLocked reports whether the task has left the EXECUTE phase.
// Caller must hold the transaction mutex.
func (tc *TaskController) terminatedLocked() bool {
	return tc.state == taskExecuted || tc.state == taskCancelled
}

// Cancelled reports whether the task self-cancelled during EXECUTE.
func (tc *TaskController) Cancelled() bool {
	tc.txn.mu.Lock()
	defer tc.txn.mu.Unlock()
	return tc.cancelled
}

// TaskBuilder assembles a task before it is released into the transaction.
type TaskBuilder struct {
	txn        *Transaction
	parent     *TaskController
	executable Executable
	deps       []*TaskController
	released   bool
}

// AddDependency records tasks that must terminate before this task may
// enter EXECUTE. Dependencies must belong to the same transaction.
func (b *TaskBuilder) AddDependency(deps ...*TaskController) *TaskBuilder {
	for _, dep := range deps {
		if dep != nil {
			b.deps = append(b.deps, dep)
		}
	}
	return b
}

// Release registers the task with the transaction. After Release the builder
// must not be reused.
func (b *TaskBuilder) Release() (*TaskController, error) {
	if b.released {
		return nil, fmt.Errorf("%w", ErrTaskAlreadyReleased)
	}
	b.released = true
	for _, dep := range b.deps {
		if dep.txn != b.txn {
			return nil, fmt.Errorf("%w", ErrTaskForeignDependent)
		}
	}
	task := &TaskController{
		txn:        b.txn,
		executable: b.executable,
		parent:     b.parent,
	}
	if err := b.txn.registerTask(task, b.deps); err != nil {
		return nil, err
	}
	return task, nil
}

// ExecuteContext is handed to an Executable during EXECUTE. Exactly one of
// Complete or Cancel must be called per invocation.
type ExecuteContext struct {
	task *TaskController
}

// Transaction returns the active transaction.
func (c *ExecuteContext) Transaction() *Transaction {
	return c.task.txn
}

// Complete signals that the task's work terminated normally.
// Calling it more than once, or after Cancel, has no effect.
func (c *ExecuteContext) Complete() {
	c.task.txn.finishExecute(c.task, false)
}

// Cancel signals that the task's work was abandoned. A cancelled task is
// still a terminated predecessor for its dependents, but its revert hook
// never runs.
func (c *ExecuteContext) Cancel() {
	c.task.txn.finishExecute(c.task, true)
}

// AddProblem reports a problem against the transaction. Severity
// SeverityError or above prevents the transaction from committing.
func (c *ExecuteContext) AddProblem(severity Severity, message string) {
	c.task.txn.report.Add(Problem{Severity: severity, Message: message})
}

// AddProblemErr reports a problem with an underlying cause.
func (c *ExecuteContext) AddProblemErr(severity Severity, message string, cause error) {
	c.task.txn.report.Add(Problem{Severity: severity, Message: message, Cause: cause})
}

// NewTask creates a child task. The parent is not considered executed until
// all of its children have terminated.
func (c *ExecuteContext) NewTask(e Executable) *TaskBuilder {
	return &TaskBuilder{txn: c.task.txn, parent: c.task, executable: e}
}

// WorkContext is handed to validate, commit and revert hooks. The hooks run
// synchronously; the runtime considers them finished when they return.
type WorkContext struct {
	task *TaskController
}

// Transaction returns the active transaction.
func (c *WorkContext) Transaction() *Transaction {
	return c.task.txn
}

// AddProblem reports a problem against the transaction.
func (c *WorkContext) AddProblem(severity Severity, message string) {
	c.task.txn.report.Add(Problem{Severity: severity, Message: message})
}

// AddProblemErr reports a problem with an underlying cause.
func (c *WorkContext) AddProblemErr(severity Severity, message string, cause error) {
	c.task.txn.report.Add(Problem{Severity: severity, Message: message, Cause: cause})
}

// runExecute invokes the executable under the task hook lock, capturing
// panics as critical problems. A panicking executable that never reached
// Complete is completed on its behalf so the transaction can terminate.
func (tc *TaskController) runExecute() {
	ctx := &ExecuteContext{task: tc}
	defer func() {
		if r := recover(); r != nil {
			tc.txn.report.Add(Problem{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("task executable panicked: %v", r),
			})
			tc.txn.finishExecute(tc, false)
		}
	}()
	tc.hookMu.Lock()
	defer tc.hookMu.Unlock()
	tc.executable.Execute(ctx)
}

// runHook invokes a validate, commit or revert hook with panic capture.
func (tc *TaskController) runHook(kind string, hook func(*WorkContext)) {
	defer func() {
		if r := recover(); r != nil {
			tc.txn.report.Add(Problem{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("task %s hook panicked: %v", kind, r),
			})
		}
	}()
	tc.hookMu.Lock()
	defer tc.hookMu.Unlock()
	hook(&WorkContext{task: tc})
}
