package txnsvc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// recordingObserver collects received event types.
type recordingObserver struct {
	id   string
	mu   sync.Mutex
	seen []string
	fail bool
}

func (o *recordingObserver) OnEvent(_ context.Context, event CloudEvent) error {
	o.mu.Lock()
	o.seen = append(o.seen, event.Type())
	o.mu.Unlock()
	if o.fail {
		return errors.New("observer failure")
	}
	return nil
}

func (o *recordingObserver) ObserverID() string {
	return o.id
}

func (o *recordingObserver) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.seen))
	copy(out, o.seen)
	return out
}

func (o *recordingObserver) countOf(eventType string) int {
	n := 0
	for _, t := range o.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func TestLifecycleEventsEmitted(t *testing.T) {
	tc := txn.NewTransactionController()
	registry := NewRegistry(tc, "main")
	obs := &recordingObserver{id: "rec"}
	registry.RegisterObserver(obs)

	u1 := newUpdate(t, tc)
	c := installService(t, u1, registry, "A", ModeActive, &testService{name: "A"})
	prepareAndCommit(t, tc, u1)

	assert.Equal(t, 1, obs.countOf(EventServiceInstalled))
	assert.Equal(t, 1, obs.countOf(EventServiceStarted))

	u2 := newUpdate(t, tc)
	require.NoError(t, c.Remove(u2, nil))
	prepareAndCommit(t, tc, u2)

	assert.Equal(t, 1, obs.countOf(EventServiceStopped))
	assert.Equal(t, 1, obs.countOf(EventServiceRemoved))
}

func TestObserverEventTypeFilter(t *testing.T) {
	tc := txn.NewTransactionController()
	registry := NewRegistry(tc, "main")
	obs := &recordingObserver{id: "filtered"}
	registry.RegisterObserver(obs, EventServiceStarted)

	u := newUpdate(t, tc)
	installService(t, u, registry, "A", ModeActive, &testService{name: "A"})
	prepareAndCommit(t, tc, u)

	assert.Equal(t, []string{EventServiceStarted}, obs.types(),
		"a filtered observer only receives matching event types")
}

func TestObserverFailureDoesNotPropagate(t *testing.T) {
	tc := txn.NewTransactionController()
	registry := NewRegistry(tc, "main")
	failing := &recordingObserver{id: "failing", fail: true}
	healthy := &recordingObserver{id: "healthy"}
	registry.RegisterObserver(failing)
	registry.RegisterObserver(healthy)

	u := newUpdate(t, tc)
	a := installService(t, u, registry, "A", ModeActive, &testService{name: "A"})
	prepareAndCommit(t, tc, u)

	assert.Equal(t, StateUp, a.State(), "observer errors never disturb the container")
	assert.NotEmpty(t, healthy.types())
}

func TestUnregisterObserver(t *testing.T) {
	tc := txn.NewTransactionController()
	registry := NewRegistry(tc, "main")
	obs := &recordingObserver{id: "gone"}
	registry.RegisterObserver(obs)
	registry.UnregisterObserver(obs)

	u := newUpdate(t, tc)
	installService(t, u, registry, "A", ModeActive, &testService{name: "A"})
	prepareAndCommit(t, tc, u)

	assert.Empty(t, obs.types())
}

func TestRegistryEventsEmitted(t *testing.T) {
	tc := txn.NewTransactionController()
	registry := NewRegistry(tc, "main")
	obs := &recordingObserver{id: "reg"}
	registry.RegisterObserver(obs, EventRegistryEnabled, EventRegistryDisabled)

	u1 := newUpdate(t, tc)
	require.NoError(t, registry.Disable(u1))
	prepareAndCommit(t, tc, u1)
	u2 := newUpdate(t, tc)
	require.NoError(t, registry.Enable(u2))
	prepareAndCommit(t, tc, u2)

	assert.Equal(t, []string{EventRegistryDisabled, EventRegistryEnabled}, obs.types())
}
