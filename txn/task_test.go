package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderLog records hook invocations across goroutines.
type orderLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *orderLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *orderLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *orderLog) indexOf(s string) int {
	for i, e := range l.snapshot() {
		if e == s {
			return i
		}
	}
	return -1
}

// recordedTask is an executable with revert and commit hooks that log their
// invocations.
type recordedTask struct {
	log    *orderLog
	name   string
	cancel bool
}

func (r *recordedTask) Execute(ctx *ExecuteContext) {
	r.log.add("execute:" + r.name)
	if r.cancel {
		ctx.Cancel()
		return
	}
	ctx.Complete()
}

func (r *recordedTask) Revert(*WorkContext) {
	r.log.add("revert:" + r.name)
}

func (r *recordedTask) Commit(*WorkContext) {
	r.log.add("commit:" + r.name)
}

func newUpdateTxn(t *testing.T, tc *TransactionController) *Transaction {
	t.Helper()
	ch := make(chan *Transaction, 1)
	tc.CreateUpdate(GoExecutor{}, func(u *Transaction) { ch <- u })
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("update transaction was not granted")
		return nil
	}
}

func prepareTxn(t *testing.T, tc *TransactionController, u *Transaction) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, tc.Prepare(u, func(*Transaction) { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not prepare")
	}
}

func commitTxn(t *testing.T, tc *TransactionController, u *Transaction) {
	t.Helper()
	require.NoError(t, tc.Commit(u, nil))
	require.Equal(t, PhaseCommitted, u.Phase())
}

func abortTxn(t *testing.T, tc *TransactionController, u *Transaction) {
	t.Helper()
	require.NoError(t, tc.Abort(u, nil))
	require.Equal(t, PhaseAborted, u.Phase())
}

func TestTaskDependencyOrder(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	log := &orderLog{}

	t0, err := u.NewTask(&recordedTask{log: log, name: "e0"}).Release()
	require.NoError(t, err)
	_, err = u.NewTask(&recordedTask{log: log, name: "e1"}).AddDependency(t0).Release()
	require.NoError(t, err)

	prepareTxn(t, tc, u)
	commitTxn(t, tc, u)

	assert.Less(t, log.indexOf("execute:e0"), log.indexOf("execute:e1"),
		"predecessor must execute before successor")
}

func TestRevertReverseOrderSkipsCancelled(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	log := &orderLog{}

	t0, err := u.NewTask(&recordedTask{log: log, name: "e0"}).Release()
	require.NoError(t, err)
	t1, err := u.NewTask(&recordedTask{log: log, name: "e1"}).AddDependency(t0).Release()
	require.NoError(t, err)
	cancelled, err := u.NewTask(&recordedTask{log: log, name: "e2", cancel: true}).AddDependency(t1).Release()
	require.NoError(t, err)

	prepareTxn(t, tc, u)
	require.True(t, cancelled.Cancelled())
	abortTxn(t, tc, u)

	entries := log.snapshot()
	assert.Equal(t, []string{"execute:e0", "execute:e1", "execute:e2", "revert:e1", "revert:e0"}, entries,
		"reverts run in reverse topological order and cancelled tasks are skipped")
}

func TestCommitTopologicalOrder(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	log := &orderLog{}

	t0, err := u.NewTask(&recordedTask{log: log, name: "e0"}).Release()
	require.NoError(t, err)
	_, err = u.NewTask(&recordedTask{log: log, name: "e1"}).AddDependency(t0).Release()
	require.NoError(t, err)

	prepareTxn(t, tc, u)
	commitTxn(t, tc, u)

	assert.Less(t, log.indexOf("commit:e0"), log.indexOf("commit:e1"))
}

// parentTask spawns a child during execute. The parent is not considered
// executed until the child terminates.
type parentTask struct {
	log   *orderLog
	child *recordedTask
}

func (p *parentTask) Execute(ctx *ExecuteContext) {
	p.log.add("execute:parent")
	_, err := ctx.NewTask(p.child).Release()
	if err != nil {
		ctx.AddProblemErr(SeverityCritical, "failed to create child task", err)
	}
	ctx.Complete()
}

func (p *parentTask) Revert(*WorkContext) {
	p.log.add("revert:parent")
}

func TestParentChildContainment(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	log := &orderLog{}

	child := &recordedTask{log: log, name: "child"}
	_, err := u.NewTask(&parentTask{log: log, child: child}).Release()
	require.NoError(t, err)

	prepareTxn(t, tc, u)
	assert.Less(t, log.indexOf("execute:parent"), log.indexOf("execute:child"))

	abortTxn(t, tc, u)
	assert.Less(t, log.indexOf("revert:child"), log.indexOf("revert:parent"),
		"children revert before their parent")
}

func TestPostPrepareListenerAddsWork(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	log := &orderLog{}

	_, err := u.NewTask(&recordedTask{log: log, name: "e0"}).Release()
	require.NoError(t, err)
	require.NoError(t, u.AddPostPrepare(func() {
		log.add("listener")
		if _, err := u.NewTask(&recordedTask{log: log, name: "late"}).Release(); err != nil {
			t.Errorf("listener could not add task: %v", err)
		}
	}))

	prepareTxn(t, tc, u)

	entries := log.snapshot()
	require.Contains(t, entries, "execute:late", "listener-added task must run before prepare completes")
	assert.Less(t, log.indexOf("listener"), log.indexOf("execute:late"))
	commitTxn(t, tc, u)
}

type panickyTask struct{}

func (panickyTask) Execute(*ExecuteContext) {
	panic("boom")
}

func TestExecutablePanicIsCritical(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)

	_, err := u.NewTask(panickyTask{}).Release()
	require.NoError(t, err)

	prepareTxn(t, tc, u)

	max, ok := u.Report().MaxSeverity()
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, max)
	assert.False(t, tc.CanCommit(u))

	err = tc.Commit(u, nil)
	require.ErrorIs(t, err, ErrCannotCommit)
	abortTxn(t, tc, u)
}

type reportingTask struct {
	severity Severity
}

func (r reportingTask) Execute(ctx *ExecuteContext) {
	ctx.AddProblem(r.severity, "induced problem")
	ctx.Complete()
}

func TestWarningDoesNotBlockCommit(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)

	_, err := u.NewTask(reportingTask{severity: SeverityWarning}).Release()
	require.NoError(t, err)

	prepareTxn(t, tc, u)
	assert.True(t, tc.CanCommit(u))
	commitTxn(t, tc, u)
}

func TestErrorBlocksCommit(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)

	_, err := u.NewTask(reportingTask{severity: SeverityError}).Release()
	require.NoError(t, err)

	prepareTxn(t, tc, u)
	assert.False(t, tc.CanCommit(u))
	require.ErrorIs(t, tc.Commit(u, nil), ErrCannotCommit)
	abortTxn(t, tc, u)
}

// asyncTask completes from another goroutine after a short delay.
type asyncTask struct {
	log *orderLog
}

func (a *asyncTask) Execute(ctx *ExecuteContext) {
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.log.add("async-complete")
		ctx.Complete()
	}()
}

func TestAsynchronousCompletion(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	log := &orderLog{}

	_, err := u.NewTask(&asyncTask{log: log}).Release()
	require.NoError(t, err)

	prepareTxn(t, tc, u)
	assert.Contains(t, log.snapshot(), "async-complete",
		"prepare must wait for asynchronous completion")
	commitTxn(t, tc, u)
}
