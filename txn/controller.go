package txn

import (
	"fmt"
	"sync"
)

// TransactionController issues read and update transactions and drives their
// phase transitions. Update transactions are exclusive per controller: at
// most one is active at a time, and never concurrently with read
// transactions. Creation requests that cannot be granted immediately queue
// and are granted, in order, as earlier transactions terminate.
type TransactionController struct {
	mu             sync.Mutex
	activeUpdate   *Transaction
	reads          map[*Transaction]struct{}
	pendingUpdates []pendingRequest
	pendingReads   []pendingRequest
}

type pendingRequest struct {
	executor Executor
	listener CompletionListener
}

type grant struct {
	txn      *Transaction
	listener CompletionListener
}

// NewTransactionController creates a transaction controller with no active
// transactions.
func NewTransactionController() *TransactionController {
	return &TransactionController{reads: make(map[*Transaction]struct{})}
}

// CreateUpdate requests a new update transaction running its tasks on
// executor. The listener is invoked with the transaction once exclusivity
// is available, possibly synchronously.
func (tc *TransactionController) CreateUpdate(executor Executor, listener CompletionListener) {
	tc.mu.Lock()
	if tc.activeUpdate == nil && len(tc.reads) == 0 {
		t := newTransaction(tc, KindUpdate, executor)
		tc.activeUpdate = t
		tc.mu.Unlock()
		t.safeListener(listener)
		return
	}
	tc.pendingUpdates = append(tc.pendingUpdates, pendingRequest{executor: executor, listener: listener})
	tc.mu.Unlock()
}

// CreateRead requests a new read transaction. Reads are granted immediately
// unless an update transaction is active or queued; queued updates take
// priority so they cannot be starved by a stream of readers.
func (tc *TransactionController) CreateRead(executor Executor, listener CompletionListener) {
	tc.mu.Lock()
	if tc.activeUpdate == nil && len(tc.pendingUpdates) == 0 {
		t := newTransaction(tc, KindRead, executor)
		tc.reads[t] = struct{}{}
		tc.mu.Unlock()
		t.safeListener(listener)
		return
	}
	tc.pendingReads = append(tc.pendingReads, pendingRequest{executor: executor, listener: listener})
	tc.mu.Unlock()
}

// Owns reports whether t was created by this controller.
func (tc *TransactionController) Owns(t *Transaction) bool {
	return t != nil && t.controller == tc
}

func (tc *TransactionController) validate(t *Transaction) error {
	if !tc.Owns(t) {
		return fmt.Errorf("%w", ErrForeignTransaction)
	}
	return nil
}

// Prepare moves an active transaction to the prepared phase. If hold
// handles are outstanding, prepare proceeds once the last one is released.
// The listener is invoked when the transaction reaches prepared.
func (tc *TransactionController) Prepare(t *Transaction, listener CompletionListener) error {
	if err := tc.validate(t); err != nil {
		return err
	}
	return t.beginPrepare(listener)
}

// CanCommit reports whether the transaction may commit: an update
// transaction must be prepared, a read transaction must be active or
// prepared, and the report must carry no problem at error severity or above.
func (tc *TransactionController) CanCommit(t *Transaction) bool {
	if !tc.Owns(t) {
		return false
	}
	t.mu.Lock()
	phase, kind := t.phase, t.kind
	t.mu.Unlock()
	if kind == KindRead {
		if phase != PhaseActive && phase != PhasePrepared {
			return false
		}
	} else if phase != PhasePrepared {
		return false
	}
	return !t.report.BlocksCommit()
}

// Commit applies the transaction: commit hooks run exactly once per
// executed task in topological order, and the transaction terminates in
// the committed phase. Update transactions must be prepared; read
// transactions may commit directly from the active phase.
func (tc *TransactionController) Commit(t *Transaction, listener CompletionListener) error {
	if err := tc.validate(t); err != nil {
		return err
	}
	t.mu.Lock()
	switch {
	case t.kind == KindUpdate && t.phase != PhasePrepared:
		phase := t.phase
		t.mu.Unlock()
		return fmt.Errorf("%w: commit requested in phase %s", ErrInvalidTransactionState, phase)
	case t.kind == KindRead && t.phase != PhaseActive && t.phase != PhasePrepared:
		phase := t.phase
		t.mu.Unlock()
		return fmt.Errorf("%w: commit requested in phase %s", ErrInvalidTransactionState, phase)
	}
	if t.report.BlocksCommit() {
		t.mu.Unlock()
		return fmt.Errorf("%w", ErrCannotCommit)
	}
	t.phase = PhaseCommitting
	t.finishListener = listener
	t.mu.Unlock()
	t.runCommit()
	t.finish(PhaseCommitted)
	return nil
}

// Abort reverts the transaction: every task that completed EXECUTE has its
// revert hook invoked exactly once in reverse topological order; cancelled
// tasks are skipped. Abort is accepted up to the prepared phase; in-flight
// tasks terminate before the revert pass runs.
func (tc *TransactionController) Abort(t *Transaction, listener CompletionListener) error {
	if err := tc.validate(t); err != nil {
		return err
	}
	t.mu.Lock()
	if t.phase != PhaseActive && t.phase != PhasePreparing && t.phase != PhasePrepared {
		phase := t.phase
		t.mu.Unlock()
		return fmt.Errorf("%w: abort requested in phase %s", ErrInvalidTransactionState, phase)
	}
	t.phase = PhaseAborting
	t.preparePending = false
	t.finishListener = listener
	t.mu.Unlock()
	t.advance()
	return nil
}

// Restart reverts all tasks of an update transaction and re-enters the
// active phase with a cleared task set. Attachments created with survivable
// keys are preserved; post-restart listeners fire after the reset.
func (tc *TransactionController) Restart(t *Transaction, listener CompletionListener) error {
	if err := tc.validate(t); err != nil {
		return err
	}
	t.mu.Lock()
	if t.kind != KindUpdate {
		t.mu.Unlock()
		return fmt.Errorf("%w", ErrReadOnlyTransaction)
	}
	if t.phase != PhaseActive && t.phase != PhasePreparing && t.phase != PhasePrepared {
		phase := t.phase
		t.mu.Unlock()
		return fmt.Errorf("%w: restart requested in phase %s", ErrInvalidTransactionState, phase)
	}
	t.phase = PhaseRestarting
	t.preparePending = false
	t.finishListener = listener
	t.mu.Unlock()
	t.advance()
	return nil
}

// Upgrade converts a read transaction into the active update transaction.
// It succeeds only when no other transaction of any kind is active; failure
// returns false without side effects.
func (tc *TransactionController) Upgrade(t *Transaction, listener CompletionListener) (bool, error) {
	if err := tc.validate(t); err != nil {
		return false, err
	}
	tc.mu.Lock()
	t.mu.Lock()
	if t.kind != KindRead || t.phase != PhaseActive {
		t.mu.Unlock()
		tc.mu.Unlock()
		return false, nil
	}
	if tc.activeUpdate != nil || len(tc.reads) != 1 {
		t.mu.Unlock()
		tc.mu.Unlock()
		return false, nil
	}
	if _, ok := tc.reads[t]; !ok {
		t.mu.Unlock()
		tc.mu.Unlock()
		return false, nil
	}
	delete(tc.reads, t)
	tc.activeUpdate = t
	t.kind = KindUpdate
	t.mu.Unlock()
	tc.mu.Unlock()
	t.safeListener(listener)
	return true, nil
}

// Downgrade converts the active update transaction back into a read
// transaction. It succeeds only when the transaction has not modified
// container state; failure returns false without side effects.
func (tc *TransactionController) Downgrade(t *Transaction) (bool, error) {
	if err := tc.validate(t); err != nil {
		return false, err
	}
	var grants []grant
	tc.mu.Lock()
	t.mu.Lock()
	if t.kind != KindUpdate || t.phase != PhaseActive || t.modified || tc.activeUpdate != t {
		t.mu.Unlock()
		tc.mu.Unlock()
		return false, nil
	}
	tc.activeUpdate = nil
	tc.reads[t] = struct{}{}
	t.kind = KindRead
	t.mu.Unlock()
	// Other readers may now proceed alongside the downgraded transaction.
	grants = tc.grantReadsLocked(grants)
	tc.mu.Unlock()
	for _, g := range grants {
		g.txn.safeListener(g.listener)
	}
	return true, nil
}

// release frees the slot held by a terminated transaction and grants queued
// requests: the oldest pending update first, otherwise all pending reads.
func (tc *TransactionController) release(t *Transaction) {
	var grants []grant
	tc.mu.Lock()
	if tc.activeUpdate == t {
		tc.activeUpdate = nil
	}
	delete(tc.reads, t)
	if tc.activeUpdate == nil && len(tc.reads) == 0 && len(tc.pendingUpdates) > 0 {
		req := tc.pendingUpdates[0]
		tc.pendingUpdates = tc.pendingUpdates[1:]
		next := newTransaction(tc, KindUpdate, req.executor)
		tc.activeUpdate = next
		grants = append(grants, grant{txn: next, listener: req.listener})
	} else if tc.activeUpdate == nil && len(tc.pendingUpdates) == 0 {
		grants = tc.grantReadsLocked(grants)
	}
	tc.mu.Unlock()
	for _, g := range grants {
		g.txn.safeListener(g.listener)
	}
}

// grantReadsLocked grants every queued read request. Caller must hold tc.mu.
func (tc *TransactionController) grantReadsLocked(grants []grant) []grant {
	for _, req := range tc.pendingReads {
		next := newTransaction(tc, KindRead, req.executor)
		tc.reads[next] = struct{}{}
		grants = append(grants, grant{txn: next, listener: req.listener})
	}
	tc.pendingReads = nil
	return grants
}
