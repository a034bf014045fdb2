package txn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Kind distinguishes read transactions from update transactions.
type Kind int

const (
	// KindRead transactions may run concurrently with other read
	// transactions created by the same controller.
	KindRead Kind = iota

	// KindUpdate transactions are exclusive per controller: no other
	// transaction of any kind runs concurrently with an update transaction.
	KindUpdate
)

// String returns a human readable kind name.
func (k Kind) String() string {
	if k == KindUpdate {
		return "update"
	}
	return "read"
}

// Phase is the lifecycle phase of a transaction.
type Phase int

const (
	PhaseActive Phase = iota
	PhasePreparing
	PhasePrepared
	PhaseCommitting
	PhaseCommitted
	PhaseAborting
	PhaseAborted
	PhaseRestarting
)

// String returns a human readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhasePreparing:
		return "preparing"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitting:
		return "committing"
	case PhaseCommitted:
		return "committed"
	case PhaseAborting:
		return "aborting"
	case PhaseAborted:
		return "aborted"
	case PhaseRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CompletionListener is notified when a requested phase transition finishes.
type CompletionListener func(*Transaction)

// Transaction is a unit of atomic change. Tasks created inside the
// transaction form a DAG; either all task effects apply (commit) or none
// (abort, which reverts every executed task in reverse topological order).
type Transaction struct {
	id         string
	kind       Kind
	controller *TransactionController
	executor   Executor
	report     *ProblemReport

	mu          sync.Mutex
	phase       Phase
	modified    bool
	attachments map[*attachmentID]any
	postPrepare []func()
	postRestart []func()

	// Task DAG bookkeeping. Tasks are recorded in creation order, which is
	// a topological order: a task can only depend on tasks that already
	// exist, and children are created after their parent.
	tasks        []*TaskController
	unterminated int

	holds           int
	preparePending  bool
	prepareListener CompletionListener
	finishListener  CompletionListener

	// listenersRunning counts post-prepare listener batches in flight;
	// quiescence is not reached while one runs. finalizing marks that one
	// advance call claimed the terminal pass (validation, revert) so a
	// racing call cannot run it twice.
	listenersRunning int
	finalizing       bool
}

func newTransaction(controller *TransactionController, kind Kind, executor Executor) *Transaction {
	if executor == nil {
		executor = GoExecutor{}
	}
	return &Transaction{
		id:          newTransactionID(),
		kind:        kind,
		controller:  controller,
		executor:    executor,
		report:      NewProblemReport(),
		attachments: make(map[*attachmentID]any),
	}
}

// newTransactionID generates a time-ordered unique identifier, falling back
// to a random one if V7 generation fails.
func newTransactionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ID returns the unique transaction identifier.
func (t *Transaction) ID() string {
	return t.id
}

// Kind returns whether this is a read or update transaction. A transaction
// upgraded or downgraded by its controller changes kind in place.
func (t *Transaction) Kind() Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

// Phase returns the current transaction phase.
func (t *Transaction) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// IsPrepared reports whether the transaction reached the prepared phase.
func (t *Transaction) IsPrepared() bool {
	return t.Phase() == PhasePrepared
}

// Report returns the transaction-wide problem report.
func (t *Transaction) Report() *ProblemReport {
	return t.report
}

// Executor returns the executor tasks of this transaction run on.
func (t *Transaction) Executor() Executor {
	return t.executor
}

// Controller returns the transaction controller that issued this transaction.
func (t *Transaction) Controller() *TransactionController {
	return t.controller
}

// SetModified records that the transaction mutated container state.
// A modified update transaction can no longer be downgraded to a read
// transaction. Fails on read transactions.
func (t *Transaction) SetModified() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.kind != KindUpdate {
		return fmt.Errorf("%w", ErrReadOnlyTransaction)
	}
	t.modified = true
	return nil
}

// Modified reports whether SetModified was called since creation or the
// last restart.
func (t *Transaction) Modified() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modified
}

// NewTask creates a builder for a top-level task. Tasks can be added while
// the transaction is active, and during prepare by post-prepare listeners.
func (t *Transaction) NewTask(e Executable) *TaskBuilder {
	return &TaskBuilder{txn: t, executable: e}
}

// AddPostPrepare registers a listener invoked when all tasks have
// terminated during PREPARE. The listener may add further tasks; PREPARE
// completes only when a full pass introduces no new work.
func (t *Transaction) AddPostPrepare(listener func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != PhaseActive && t.phase != PhasePreparing {
		return fmt.Errorf("%w: cannot add post-prepare listener in phase %s", ErrInvalidTransactionState, t.phase)
	}
	t.postPrepare = append(t.postPrepare, listener)
	return nil
}

// AddPostRestart registers a listener invoked every time the transaction
// restarts. Listeners persist across restarts.
func (t *Transaction) AddPostRestart(listener func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == PhaseCommitting || t.phase == PhaseCommitted ||
		t.phase == PhaseAborting || t.phase == PhaseAborted {
		return fmt.Errorf("%w: cannot add post-restart listener in phase %s", ErrInvalidTransactionState, t.phase)
	}
	t.postRestart = append(t.postRestart, listener)
	return nil
}

// HoldHandle pins an update transaction in its active phase. Prepare is
// deferred until every handle has been released.
type HoldHandle struct {
	t    *Transaction
	once sync.Once
}

// AcquireHold pins the transaction in its active phase.
func (t *Transaction) AcquireHold() (*HoldHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.kind != KindUpdate {
		return nil, fmt.Errorf("%w", ErrReadOnlyTransaction)
	}
	if t.phase != PhaseActive {
		return nil, fmt.Errorf("%w: phase %s", ErrHoldNotActive, t.phase)
	}
	t.holds++
	return &HoldHandle{t: t}, nil
}

// Release releases the hold. If a prepare was requested while the
// transaction was held, it proceeds once the last hold is released.
// Release is idempotent.
func (h *HoldHandle) Release() {
	h.once.Do(func() {
		t := h.t
		t.mu.Lock()
		t.holds--
		begin := t.holds == 0 && t.preparePending
		if begin {
			t.preparePending = false
			t.phase = PhasePreparing
		}
		t.mu.Unlock()
		if begin {
			t.advance()
		}
	})
}

// safeListener invokes a completion listener, capturing a panic as a
// critical problem so it never crosses back into the runtime.
func (t *Transaction) safeListener(l CompletionListener) {
	if l == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.report.Add(Problem{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("transaction listener panicked: %v", r),
			})
		}
	}()
	l(t)
}

// safeCallback invokes a post-prepare or post-restart listener with the
// same panic shielding.
func (t *Transaction) safeCallback(l func()) {
	defer func() {
		if r := recover(); r != nil {
			t.report.Add(Problem{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("transaction listener panicked: %v", r),
			})
		}
	}()
	l()
}

// registerTask wires a released task into the DAG and schedules it when it
// is immediately eligible.
func (t *Transaction) registerTask(task *TaskController, deps []*TaskController) error {
	t.mu.Lock()
	if t.phase != PhaseActive && t.phase != PhasePreparing {
		t.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrTaskNotAccepting, t.phase)
	}
	if task.parent != nil && task.parent.state != taskExecuting {
		t.mu.Unlock()
		return fmt.Errorf("%w", ErrParentNotExecuting)
	}
	t.tasks = append(t.tasks, task)
	t.unterminated++
	for _, dep := range deps {
		if !dep.terminatedLocked() {
			task.unfinishedDeps++
			dep.dependents = append(dep.dependents, task)
		}
	}
	if task.parent != nil {
		task.parent.childActive++
	}
	start := task.unfinishedDeps == 0
	if start {
		task.state = taskExecuting
	}
	t.mu.Unlock()
	if start {
		t.executor.Execute(task.runExecute)
	}
	return nil
}

// finishExecute records the terminating call of a task executable.
// Termination of the task itself is deferred until all children terminated.
func (t *Transaction) finishExecute(task *TaskController, cancelled bool) {
	var toStart []*TaskController
	quiescent := false
	t.mu.Lock()
	if task.execDone {
		t.mu.Unlock()
		return
	}
	task.execDone = true
	task.cancelled = cancelled
	if task.childActive == 0 {
		t.terminateLocked(task, &toStart, &quiescent)
	}
	t.mu.Unlock()
	for _, s := range toStart {
		t.executor.Execute(s.runExecute)
	}
	if quiescent {
		// The caller may be the task's own executable, which still holds the
		// task hook lock that a validate, commit or revert pass over the same
		// task needs, so the transaction advances on its own goroutine.
		go t.advance()
	}
}

// terminateLocked marks a task terminated, releases its dependents, and
// cascades termination to a parent whose last child just terminated.
// Caller must hold t.mu.
func (t *Transaction) terminateLocked(task *TaskController, toStart *[]*TaskController, quiescent *bool) {
	if task.cancelled {
		task.state = taskCancelled
	} else {
		task.state = taskExecuted
	}
	for _, dep := range task.dependents {
		dep.unfinishedDeps--
		if dep.unfinishedDeps == 0 && dep.state == taskNew {
			dep.state = taskExecuting
			*toStart = append(*toStart, dep)
		}
	}
	if p := task.parent; p != nil {
		p.childActive--
		if p.execDone && p.childActive == 0 && !p.terminatedLocked() {
			t.terminateLocked(p, toStart, quiescent)
		}
	}
	t.unterminated--
	if t.unterminated == 0 {
		*quiescent = true
	}
}

// beginPrepare transitions an active transaction toward prepared, deferring
// while hold handles are outstanding.
func (t *Transaction) beginPrepare(listener CompletionListener) error {
	t.mu.Lock()
	if t.phase != PhaseActive {
		phase := t.phase
		t.mu.Unlock()
		return fmt.Errorf("%w: prepare requested in phase %s", ErrInvalidTransactionState, phase)
	}
	t.prepareListener = listener
	if t.holds > 0 {
		t.preparePending = true
		t.mu.Unlock()
		return nil
	}
	t.phase = PhasePreparing
	t.mu.Unlock()
	t.advance()
	return nil
}

// advance drives the transaction forward whenever the task DAG reaches
// quiescence. It runs post-prepare listeners to a fixed point, the
// validation pass, and revert passes for abort and restart.
func (t *Transaction) advance() {
	for {
		t.mu.Lock()
		if t.unterminated != 0 || t.listenersRunning != 0 {
			// Work is still in flight; the call that finishes it re-enters
			// here.
			t.mu.Unlock()
			return
		}
		if t.finalizing {
			t.mu.Unlock()
			return
		}
		switch t.phase {
		case PhasePreparing:
			if len(t.postPrepare) > 0 {
				listeners := t.postPrepare
				t.postPrepare = nil
				t.listenersRunning++
				t.mu.Unlock()
				for _, l := range listeners {
					t.safeCallback(l)
				}
				t.mu.Lock()
				t.listenersRunning--
				t.mu.Unlock()
				continue
			}
			t.finalizing = true
			t.mu.Unlock()
			t.runValidation()
			t.mu.Lock()
			// An abort or restart may have been requested while the
			// validation pass ran; it wins, and the loop runs its revert
			// pass next.
			interrupted := t.phase == PhaseAborting || t.phase == PhaseRestarting
			t.finalizing = false
			var listener CompletionListener
			if !interrupted {
				t.phase = PhasePrepared
				listener = t.prepareListener
				t.prepareListener = nil
			}
			t.mu.Unlock()
			if interrupted {
				continue
			}
			t.safeListener(listener)
			return
		case PhaseAborting:
			t.finalizing = true
			t.mu.Unlock()
			t.runRevert()
			t.finish(PhaseAborted)
			return
		case PhaseRestarting:
			t.finalizing = true
			t.mu.Unlock()
			t.runRevert()
			t.completeRestart()
			return
		default:
			t.mu.Unlock()
			return
		}
	}
}

// runValidation invokes the validate hooks of executed tasks in topological
// order. Cancelled tasks are skipped.
func (t *Transaction) runValidation() {
	t.mu.Lock()
	tasks := make([]*TaskController, len(t.tasks))
	copy(tasks, t.tasks)
	t.mu.Unlock()
	for _, task := range tasks {
		t.mu.Lock()
		if task.state != taskExecuted {
			t.mu.Unlock()
			continue
		}
		v, ok := task.executable.(Validatable)
		if !ok {
			t.mu.Unlock()
			continue
		}
		task.state = taskValidating
		t.mu.Unlock()
		task.runHook("validate", v.Validate)
		t.mu.Lock()
		task.state = taskValidated
		t.mu.Unlock()
	}
}

// runCommit invokes commit hooks in topological order: predecessors before
// successors, parents before children. Cancelled tasks are skipped.
func (t *Transaction) runCommit() {
	t.mu.Lock()
	tasks := make([]*TaskController, len(t.tasks))
	copy(tasks, t.tasks)
	t.mu.Unlock()
	for _, task := range tasks {
		t.mu.Lock()
		if task.state == taskCancelled || task.state == taskDone {
			t.mu.Unlock()
			continue
		}
		c, ok := task.executable.(Committable)
		if !ok {
			task.state = taskDone
			t.mu.Unlock()
			continue
		}
		task.state = taskCommitting
		t.mu.Unlock()
		task.runHook("commit", c.Commit)
		t.mu.Lock()
		task.state = taskDone
		t.mu.Unlock()
	}
}

// runRevert invokes revert hooks in reverse topological order: successors
// before predecessors, children before parents. Cancelled tasks and tasks
// that never executed are skipped.
func (t *Transaction) runRevert() {
	t.mu.Lock()
	tasks := make([]*TaskController, len(t.tasks))
	copy(tasks, t.tasks)
	t.mu.Unlock()
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		t.mu.Lock()
		if task.state != taskExecuted && task.state != taskValidated {
			task.state = taskDone
			t.mu.Unlock()
			continue
		}
		r, ok := task.executable.(Revertible)
		if !ok {
			task.state = taskDone
			t.mu.Unlock()
			continue
		}
		task.state = taskReverting
		t.mu.Unlock()
		task.runHook("revert", r.Revert)
		t.mu.Lock()
		task.state = taskDone
		t.mu.Unlock()
	}
}

// finish moves the transaction to its terminal phase, releases the
// controller slot, and notifies the completion listener.
func (t *Transaction) finish(final Phase) {
	t.mu.Lock()
	t.phase = final
	listener := t.finishListener
	t.finishListener = nil
	t.mu.Unlock()
	t.controller.release(t)
	t.safeListener(listener)
}

// completeRestart resets the transaction back to its active phase after the
// revert pass: the task DAG is cleared and non-survivable attachments are
// dropped. Post-restart listeners then fire in registration order.
func (t *Transaction) completeRestart() {
	t.mu.Lock()
	t.tasks = nil
	t.unterminated = 0
	t.postPrepare = nil
	t.modified = false
	t.finalizing = false
	for id := range t.attachments {
		if !id.survivable {
			delete(t.attachments, id)
		}
	}
	t.phase = PhaseActive
	restartListeners := make([]func(), len(t.postRestart))
	copy(restartListeners, t.postRestart)
	listener := t.finishListener
	t.finishListener = nil
	t.mu.Unlock()
	for _, l := range restartListeners {
		t.safeCallback(l)
	}
	t.safeListener(listener)
}
