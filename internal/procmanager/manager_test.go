package procmanager

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/internal/eventbus"
	"agentrun/internal/processstore"
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

func (f *fakeKV) Scan(_ string) ([]processstore.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]processstore.Entry, 0, len(f.data))
	for k, v := range f.data {
		out = append(out, processstore.Entry{Key: k, Value: append([]byte(nil), v...)})
	}
	return out, nil
}

func openTestStore(t *testing.T) *processstore.Store {
	t.Helper()
	store, err := processstore.Open(newFakeKV(), eventbus.New())
	require.NoError(t, err)
	return store
}

// TestReconcileMarksIdentityMismatchLost covers spec scenario S5: a
// persisted "running" record whose pid is alive but whose command line
// no longer matches what was recorded must be reconciled to lost, not
// trusted on liveness alone. Grounded on the PID-identity reconciliation
// test pattern in the teacher's devops/process manager_test.go.
func TestReconcileMarksIdentityMismatchLost(t *testing.T) {
	store := openTestStore(t)

	child := exec.Command("sleep", "5")
	require.NoError(t, child.Start())
	defer func() {
		_ = child.Process.Kill()
		_ = child.Wait()
	}()

	id := store.NewProcess(processstore.Attrs{Command: []string{"definitely", "not", "this", "process"}})
	require.NoError(t, store.MarkRunning(id, child.Process.Pid))

	mgr := New(store)
	mgr.Reconcile(context.Background())

	proc, _, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, processstore.StatusLost, proc.Status)
}

// TestReconcileKeepsRunningWhenIdentityMatches is the converse of S5: a
// live pid whose command line still matches the persisted one must be
// left alone.
func TestReconcileKeepsRunningWhenIdentityMatches(t *testing.T) {
	store := openTestStore(t)

	child := exec.Command("sleep", "5")
	require.NoError(t, child.Start())
	defer func() {
		_ = child.Process.Kill()
		_ = child.Wait()
	}()

	id := store.NewProcess(processstore.Attrs{Command: []string{"sleep", "5"}})
	require.NoError(t, store.MarkRunning(id, child.Process.Pid))

	mgr := New(store)
	mgr.Reconcile(context.Background())

	proc, _, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, processstore.StatusRunning, proc.Status)
}

// TestReconcileMarksDeadPidLost covers the simpler half of S5: a pid
// that has already exited is lost regardless of command-line identity.
func TestReconcileMarksDeadPidLost(t *testing.T) {
	store := openTestStore(t)

	child := exec.Command("true")
	require.NoError(t, child.Start())
	deadPid := child.Process.Pid
	require.NoError(t, child.Wait())

	id := store.NewProcess(processstore.Attrs{Command: []string{"true"}})
	require.NoError(t, store.MarkRunning(id, deadPid))

	mgr := New(store)
	mgr.Reconcile(context.Background())

	proc, _, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, processstore.StatusLost, proc.Status)
}

// TestSpawnStreamsOutputAndCompletes exercises the happy path: a real
// subprocess's stdout is streamed into the record's log buffer and the
// record reaches completed with its exit code once the process exits.
func TestSpawnStreamsOutputAndCompletes(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store)

	id, err := mgr.Spawn([]string{"sh", "-c", "echo hello; exit 0"}, "", nil, "test")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		proc, _, _ := store.Get(id)
		if processstore.IsTerminal(proc.Status) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	proc, logs, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, processstore.StatusCompleted, proc.Status)
	require.NotNil(t, proc.ExitCode)
	assert.Equal(t, 0, *proc.ExitCode)
	assert.Contains(t, logs, "hello")
}
