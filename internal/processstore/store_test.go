package processstore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/internal/eventbus"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) Put(_, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value...)
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

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(newFakeKV(), eventbus.New())
	require.NoError(t, err)
	return store
}

func TestAppendLogEvictsOldestPastCap(t *testing.T) {
	store, err := Open(newFakeKV(), eventbus.New(), WithMaxLogLines(1000))
	require.NoError(t, err)

	id := store.NewProcess(Attrs{Command: []string{"echo", "hi"}})
	for i := 1; i <= 1500; i++ {
		require.NoError(t, store.AppendLog(id, fmt.Sprintf("L%d", i)))
	}

	logs, ok := store.GetLogs(id, 2000)
	require.True(t, ok)
	require.Len(t, logs, 1000)
	assert.Equal(t, "L501", logs[0])
	assert.Equal(t, "L1500", logs[len(logs)-1])
}

func TestTransitionsAreMonotonic(t *testing.T) {
	store := openTestStore(t)
	id := store.NewProcess(Attrs{Command: []string{"sleep", "1"}})

	require.NoError(t, store.MarkRunning(id, 4242))
	assert.ErrorIs(t, store.MarkRunning(id, 4242), ErrInvalidTransition)

	require.NoError(t, store.MarkCompleted(id, 0))
	proc, _, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, proc.Status)
	require.NotNil(t, proc.ExitCode)
	assert.Equal(t, 0, *proc.ExitCode)
}

func TestMarkLostOnlyReachableExplicitly(t *testing.T) {
	store := openTestStore(t)
	id := store.NewProcess(Attrs{Command: []string{"sleep", "1"}})
	require.NoError(t, store.MarkRunning(id, 1))

	require.NoError(t, store.MarkLost(id))
	proc, _, _ := store.Get(id)
	assert.Equal(t, StatusLost, proc.Status)
}

func TestListFiltersByStatus(t *testing.T) {
	store := openTestStore(t)
	running := store.NewProcess(Attrs{Command: []string{"a"}})
	require.NoError(t, store.MarkRunning(running, 1))

	queued := store.NewProcess(Attrs{Command: []string{"b"}})
	_ = queued

	statusRunning := StatusRunning
	onlyRunning := store.List(&statusRunning)
	require.Len(t, onlyRunning, 1)
	assert.Equal(t, running, onlyRunning[0].ID)

	all := store.List(nil)
	assert.Len(t, all, 2)
}
