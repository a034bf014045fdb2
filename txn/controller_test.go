package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateTransactionsAreExclusive(t *testing.T) {
	tc := NewTransactionController()
	first := newUpdateTxn(t, tc)

	second := make(chan *Transaction, 1)
	tc.CreateUpdate(GoExecutor{}, func(u *Transaction) { second <- u })

	select {
	case <-second:
		t.Fatal("second update granted while the first is active")
	case <-time.After(50 * time.Millisecond):
	}

	prepareTxn(t, tc, first)
	commitTxn(t, tc, first)

	select {
	case u := <-second:
		assert.Equal(t, KindUpdate, u.Kind())
		abortTxn(t, tc, u)
	case <-time.After(2 * time.Second):
		t.Fatal("second update was not granted after the first terminated")
	}
}

func TestReadTransactionsAreConcurrent(t *testing.T) {
	tc := NewTransactionController()

	reads := make(chan *Transaction, 2)
	tc.CreateRead(GoExecutor{}, func(r *Transaction) { reads <- r })
	tc.CreateRead(GoExecutor{}, func(r *Transaction) { reads <- r })

	var granted []*Transaction
	for i := 0; i < 2; i++ {
		select {
		case r := <-reads:
			granted = append(granted, r)
		case <-time.After(2 * time.Second):
			t.Fatal("read transaction was not granted")
		}
	}
	for _, r := range granted {
		assert.Equal(t, KindRead, r.Kind())
		require.NoError(t, tc.Commit(r, nil))
	}
}

func TestUpdateWaitsForReads(t *testing.T) {
	tc := NewTransactionController()

	reads := make(chan *Transaction, 1)
	tc.CreateRead(GoExecutor{}, func(r *Transaction) { reads <- r })
	read := <-reads

	update := make(chan *Transaction, 1)
	tc.CreateUpdate(GoExecutor{}, func(u *Transaction) { update <- u })

	select {
	case <-update:
		t.Fatal("update granted while a read is active")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tc.Commit(read, nil))

	select {
	case u := <-update:
		abortTxn(t, tc, u)
	case <-time.After(2 * time.Second):
		t.Fatal("update was not granted after the read terminated")
	}
}

func TestReadsQueueBehindPendingUpdate(t *testing.T) {
	tc := NewTransactionController()
	active := newUpdateTxn(t, tc)

	update := make(chan *Transaction, 1)
	tc.CreateUpdate(GoExecutor{}, func(u *Transaction) { update <- u })
	read := make(chan *Transaction, 1)
	tc.CreateRead(GoExecutor{}, func(r *Transaction) { read <- r })

	prepareTxn(t, tc, active)
	commitTxn(t, tc, active)

	// The queued update wins over the queued read.
	var next *Transaction
	select {
	case next = <-update:
	case <-time.After(2 * time.Second):
		t.Fatal("queued update was not granted")
	}
	select {
	case <-read:
		t.Fatal("read granted while an update is active")
	case <-time.After(50 * time.Millisecond):
	}

	prepareTxn(t, tc, next)
	commitTxn(t, tc, next)

	select {
	case r := <-read:
		require.NoError(t, tc.Commit(r, nil))
	case <-time.After(2 * time.Second):
		t.Fatal("queued read was not granted after updates drained")
	}
}

func TestUpgradeSoleReader(t *testing.T) {
	tc := NewTransactionController()

	reads := make(chan *Transaction, 1)
	tc.CreateRead(GoExecutor{}, func(r *Transaction) { reads <- r })
	read := <-reads

	upgraded := make(chan *Transaction, 1)
	ok, err := tc.Upgrade(read, func(u *Transaction) { upgraded <- u })
	require.NoError(t, err)
	require.True(t, ok)
	select {
	case u := <-upgraded:
		assert.Same(t, read, u)
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade listener did not fire")
	}
	assert.Equal(t, KindUpdate, read.Kind())
	require.NoError(t, read.SetModified())
	prepareTxn(t, tc, read)
	commitTxn(t, tc, read)
}

func TestUpgradeFailsWithConcurrentReader(t *testing.T) {
	tc := NewTransactionController()

	reads := make(chan *Transaction, 2)
	tc.CreateRead(GoExecutor{}, func(r *Transaction) { reads <- r })
	tc.CreateRead(GoExecutor{}, func(r *Transaction) { reads <- r })
	r1, r2 := <-reads, <-reads

	ok, err := tc.Upgrade(r1, nil)
	require.NoError(t, err)
	assert.False(t, ok, "upgrade must fail while another read is active")
	assert.Equal(t, KindRead, r1.Kind())

	require.NoError(t, tc.Commit(r1, nil))
	require.NoError(t, tc.Commit(r2, nil))
}

func TestDowngrade(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)

	ok, err := tc.Downgrade(u)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindRead, u.Kind())
	require.NoError(t, tc.Commit(u, nil))
}

func TestDowngradeFailsWhenModified(t *testing.T) {
	tc := NewTransactionController()
	u := newUpdateTxn(t, tc)
	require.NoError(t, u.SetModified())

	ok, err := tc.Downgrade(u)
	require.NoError(t, err)
	assert.False(t, ok, "a modified update transaction must not downgrade")
	assert.Equal(t, KindUpdate, u.Kind())
	prepareTxn(t, tc, u)
	commitTxn(t, tc, u)
}

func TestRestartRequiresUpdate(t *testing.T) {
	tc := NewTransactionController()

	reads := make(chan *Transaction, 1)
	tc.CreateRead(GoExecutor{}, func(r *Transaction) { reads <- r })
	read := <-reads

	require.ErrorIs(t, tc.Restart(read, nil), ErrReadOnlyTransaction)
	require.NoError(t, tc.Commit(read, nil))
}
