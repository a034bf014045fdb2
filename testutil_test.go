package txnsvc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// callLog records lifecycle calls across goroutines in order.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *callLog) indexOf(s string) int {
	for i, e := range l.snapshot() {
		if e == s {
			return i
		}
	}
	return -1
}

func (l *callLog) count(s string) int {
	n := 0
	for _, e := range l.snapshot() {
		if e == s {
			n++
		}
	}
	return n
}

// testService is a controllable service implementation.
type testService struct {
	mu        sync.Mutex
	name      string
	log       *callLog
	failStart bool
	value     any
	starts    int
	stops     int
}

func (s *testService) Start(ctx *StartContext) {
	s.mu.Lock()
	s.starts++
	fail := s.failStart
	value := s.value
	s.mu.Unlock()
	if s.log != nil {
		s.log.add("start:" + s.name)
	}
	if fail {
		ctx.Fail()
		return
	}
	ctx.Complete(value)
}

func (s *testService) Stop(ctx *StopContext) {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	if s.log != nil {
		s.log.add("stop:" + s.name)
	}
	ctx.Complete()
}

func (s *testService) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *testService) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *testService) setFailStart(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStart = fail
}

// listenerCounter counts completion listener invocations.
type listenerCounter struct {
	mu    sync.Mutex
	calls int
}

func (l *listenerCounter) listener() Listener {
	return func(*ServiceController) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.calls++
	}
}

func (l *listenerCounter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func newUpdate(t *testing.T, tc *txn.TransactionController) *txn.Transaction {
	t.Helper()
	ch := make(chan *txn.Transaction, 1)
	tc.CreateUpdate(txn.GoExecutor{}, func(u *txn.Transaction) { ch <- u })
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("update transaction was not granted")
		return nil
	}
}

func prepare(t *testing.T, tc *txn.TransactionController, u *txn.Transaction) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, tc.Prepare(u, func(*txn.Transaction) { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transaction did not prepare")
	}
}

func prepareAndCommit(t *testing.T, tc *txn.TransactionController, u *txn.Transaction) {
	t.Helper()
	prepare(t, tc, u)
	require.True(t, tc.CanCommit(u), "problems: %v", u.Report().Problems())
	require.NoError(t, tc.Commit(u, nil))
}

func prepareAndAbort(t *testing.T, tc *txn.TransactionController, u *txn.Transaction) {
	t.Helper()
	prepare(t, tc, u)
	require.NoError(t, tc.Abort(u, nil))
}

// installService installs a service with require-up dependencies given by
// name.
func installService(t *testing.T, u *txn.Transaction, registry *ServiceRegistry, name string, mode Mode, svc Service, deps ...string) *ServiceController {
	t.Helper()
	ctx, err := NewServiceContext(u)
	require.NoError(t, err)
	builder, err := ctx.AddService(registry, ParseServiceName(name))
	require.NoError(t, err)
	builder.SetMode(mode)
	if svc != nil {
		builder.SetService(svc)
	}
	for _, dep := range deps {
		_, err := builder.AddDependency(ParseServiceName(dep))
		require.NoError(t, err)
	}
	c, err := builder.Install()
	require.NoError(t, err)
	return c
}
