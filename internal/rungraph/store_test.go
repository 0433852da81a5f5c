package rungraph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/internal/eventbus"
)

// fakeKV is an in-memory KVBackend for tests, avoiding a dependency on
// the real bbolt-backed kvstore.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) Put(_, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), value...)
	f.data[key] = cp
	return nil
}

func (f *fakeKV) Delete(_, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Scan(_ string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, 0, len(f.data))
	for k, v := range f.data {
		out = append(out, Entry{Key: k, Value: append([]byte(nil), v...)})
	}
	return out, nil
}

func openTestStore(t *testing.T) (*Store, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	store, err := Open(newFakeKV(), bus, WithDefaultTimeout(200*time.Millisecond), WithSafetyRepoll(50*time.Millisecond))
	require.NoError(t, err)
	return store, bus
}

func TestMonotonicTransitionRejectsRepeatedMarkRunning(t *testing.T) {
	store, _ := openTestStore(t)
	id := store.NewRun(Attrs{Lane: "main"})

	require.NoError(t, store.MarkRunning(id))
	err := store.MarkRunning(id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, store.Fail(id, "boom"))
	run, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusError, run.Status)

	err = store.MarkRunning(id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAddChildLinksWhicheverSideExists(t *testing.T) {
	store, _ := openTestStore(t)
	parent := store.NewRun(Attrs{})
	child := store.NewRun(Attrs{})

	store.AddChild(parent, child)

	p, _ := store.Get(parent)
	c, _ := store.Get(child)
	assert.Contains(t, p.Children, child)
	assert.Equal(t, parent, c.Parent)

	store.AddChild(parent, "ghost-child")
	p2, _ := store.Get(parent)
	assert.Contains(t, p2.Children, "ghost-child")
	_, ok := store.Get("ghost-child")
	assert.False(t, ok)
}

func TestAwaitWaitAllReturnsOnceBothTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	a := store.NewRun(Attrs{})
	b := store.NewRun(Attrs{})
	require.NoError(t, store.MarkRunning(a))
	require.NoError(t, store.MarkRunning(b))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Finish(a, "a-done")
		time.Sleep(20 * time.Millisecond)
		_ = store.Finish(b, "b-done")
	}()

	summary, err := store.Await([]string{a, b}, WaitAll, Millis(2000))
	require.NoError(t, err)
	assert.True(t, summary.AllTerminal())
}

func TestAwaitTimesOutWithPartialSummary(t *testing.T) {
	store, _ := openTestStore(t)
	a := store.NewRun(Attrs{})
	b := store.NewRun(Attrs{})
	require.NoError(t, store.MarkRunning(a))
	require.NoError(t, store.Finish(a, 1))

	summary, err := store.Await([]string{a, b}, WaitAll, Millis(100))
	assert.ErrorIs(t, err, ErrAwaitTimeout)
	assert.Equal(t, StatusCompleted, summary[a].Status)
	assert.Equal(t, StatusQueued, summary[b].Status)
}

func TestCleanupRemovesOnlyStaleTerminalRuns(t *testing.T) {
	now := time.Now()
	clock := now
	var mu sync.Mutex
	store, err := Open(newFakeKV(), eventbus.New(), WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))
	require.NoError(t, err)

	stale := store.NewRun(Attrs{})
	require.NoError(t, store.MarkRunning(stale))
	require.NoError(t, store.Finish(stale, nil))

	mu.Lock()
	clock = now.Add(2 * time.Hour)
	mu.Unlock()

	fresh := store.NewRun(Attrs{})
	require.NoError(t, store.MarkRunning(fresh))
	require.NoError(t, store.Finish(fresh, nil))

	store.Cleanup(time.Hour)

	_, ok := store.Get(stale)
	assert.False(t, ok)
	_, ok = store.Get(fresh)
	assert.True(t, ok)
}

func TestDrainStopsAcceptingThenExits(t *testing.T) {
	store, _ := openTestStore(t)
	store.NewRun(Attrs{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, store.Drain(ctx))

	late := store.NewRun(Attrs{})
	_, ok := store.Get(late)
	assert.False(t, ok, "a run submitted after Drain must not reach the index")
}

func TestUpdateAllowsNonStatusMutationButRejectsBackwardStatus(t *testing.T) {
	store, _ := openTestStore(t)
	id := store.NewRun(Attrs{Payload: map[string]any{"k": "v"}})
	require.NoError(t, store.MarkRunning(id))

	err := store.Update(id, func(r *Run) {
		r.Payload["k2"] = "v2"
	})
	require.NoError(t, err)
	run, _ := store.Get(id)
	assert.Equal(t, "v2", run.Payload["k2"])

	err = store.Update(id, func(r *Run) {
		r.Status = StatusQueued
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
