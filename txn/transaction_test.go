package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitRequiresPrepare(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)

	err := tc.Commit(u, nil)
	require.ErrorIs(t, err, ErrInvalidTransactionState)
	assert.Equal(t, PhaseActive, u.Phase(), "failed commit must not change state")
	abortTxn(t, tc, u)
}

func TestPhaseTransitionsAreOneWay(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	prepareTxn(t, tc, u)
	commitTxn(t, tc, u)

	// Prepare-after-commit
	err := tc.Prepare(u, nil)
	require.ErrorIs(t, err, ErrInvalidTransactionState)
	// Commit-after-commit
	err = tc.Commit(u, nil)
	require.ErrorIs(t, err, ErrInvalidTransactionState)
	// Abort-after-commit
	err = tc.Abort(u, nil)
	require.ErrorIs(t, err, ErrInvalidTransactionState)
	assert.Equal(t, PhaseCommitted, u.Phase())
}

func TestCommitAfterAbortFails(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	prepareTxn(t, tc, u)
	abortTxn(t, tc, u)

	err := tc.Commit(u, nil)
	require.ErrorIs(t, err, ErrInvalidTransactionState)
	assert.Equal(t, PhaseAborted, u.Phase())
}

func TestForeignTransactionRejected(t *testing.T) {
	tc1 := NewTransactionController()
	tc2 := NewTransactionController()
	u := newUpdateTxn(t, tc1)

	require.ErrorIs(t, tc2.Prepare(u, nil), ErrForeignTransaction)
	require.ErrorIs(t, tc2.Commit(u, nil), ErrForeignTransaction)
	require.ErrorIs(t, tc2.Abort(u, nil), ErrForeignTransaction)
	assert.False(t, tc2.CanCommit(u))
	abortTxn(t, tc1, u)
}

func TestHoldHandleDefersPrepare(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)

	hold, err := u.AcquireHold()
	require.NoError(t, err)

	prepared := make(chan struct{})
	require.NoError(t, tc.Prepare(u, func(*Transaction) { close(prepared) }))

	select {
	case <-prepared:
		t.Fatal("prepare completed while a hold handle was outstanding")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, PhaseActive, u.Phase())

	hold.Release()
	select {
	case <-prepared:
	case <-time.After(2 * time.Second):
		t.Fatal("prepare did not proceed after hold release")
	}
	assert.Equal(t, PhasePrepared, u.Phase())

	// Release is idempotent.
	hold.Release()
	commitTxn(t, tc, u)
}

func TestHoldRequiresActiveUpdate(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	prepareTxn(t, tc, u)

	_, err := u.AcquireHold()
	require.ErrorIs(t, err, ErrHoldNotActive)
	abortTxn(t, tc, u)
}

func TestRestartRevertsAndReenters(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	log := &orderLog{}

	survivableKey := NewSurvivableAttachmentKey[string]()
	plainKey := NewAttachmentKey[string]()
	SetAttachment(u, survivableKey, "kept")
	SetAttachment(u, plainKey, "dropped")
	require.NoError(t, u.SetModified())

	restarted := make(chan struct{})
	require.NoError(t, u.AddPostRestart(func() { close(restarted) }))

	_, err := u.NewTask(&recordedTask{log: log, name: "e0"}).Release()
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, tc.Restart(u, func(*Transaction) { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart did not complete")
	}
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("post-restart listener did not fire")
	}

	assert.Contains(t, log.snapshot(), "revert:e0")
	assert.Equal(t, PhaseActive, u.Phase())
	assert.False(t, u.Modified())

	kept, ok := Attachment(u, survivableKey)
	require.True(t, ok)
	assert.Equal(t, "kept", kept)
	_, ok = Attachment(u, plainKey)
	assert.False(t, ok, "non-survivable attachments are dropped on restart")

	// The transaction accepts new work after restart.
	_, err = u.NewTask(&recordedTask{log: log, name: "e1"}).Release()
	require.NoError(t, err)
	prepareTxn(t, tc, u)
	commitTxn(t, tc, u)
}

func TestAttachmentOrNew(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)

	key := NewAttachmentKey[*orderLog]()
	first := AttachmentOrNew(u, key, func() *orderLog { return &orderLog{} })
	second := AttachmentOrNew(u, key, func() *orderLog { return &orderLog{} })
	assert.Same(t, first, second)
	abortTxn(t, tc, u)
}

func TestNoNewTasksAfterPrepared(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	prepareTxn(t, tc, u)

	_, err := u.NewTask(&recordedTask{log: &orderLog{}, name: "late"}).Release()
	require.ErrorIs(t, err, ErrTaskNotAccepting)
	commitTxn(t, tc, u)
}

func TestTaskBuilderDoubleRelease(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)

	b := u.NewTask(&recordedTask{log: &orderLog{}, name: "once"})
	_, err := b.Release()
	require.NoError(t, err)
	_, err = b.Release()
	require.ErrorIs(t, err, ErrTaskAlreadyReleased)

	prepareTxn(t, tc, u)
	commitTxn(t, tc, u)
}
