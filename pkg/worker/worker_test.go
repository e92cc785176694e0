package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/events"
	"github.com/basalt-run/fleetrun/pkg/storage"
	"github.com/basalt-run/fleetrun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	pushCode    int
	pushErr     error
	runCode     int
	runErr      error
	pullCode    int
	pullErr     error
	wroteStdout string
}

func (f *fakeBridge) PushData(ctx context.Context, deviceID, tarPath string) (int, error) {
	return f.pushCode, f.pushErr
}

func (f *fakeBridge) RunCommand(ctx context.Context, deviceID string, cmdTokens []string, stdout, stderr *os.File) (int, error) {
	if f.wroteStdout != "" {
		_, _ = stdout.WriteString(f.wroteStdout)
	}
	return f.runCode, f.runErr
}

func (f *fakeBridge) PullData(ctx context.Context, deviceID string, srcPaths []string, dst string) (int, error) {
	return f.pullCode, f.pullErr
}

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.CacheDir = dir
	require.NoError(t, os.MkdirAll(cfg.InputArchiveDir(), 0o755))
	require.NoError(t, os.MkdirAll(cfg.OutputArchiveDir(), 0o755))
	require.NoError(t, os.MkdirAll(cfg.LogDir(), 0o755))
	return cfg
}

func TestWorkerCompletesOnZeroExitCode(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	task := &types.Task{ID: "task-1", Status: types.TaskPreparing, Cmd: types.Command{Shell: []string{"echo", "hi"}}, CreateTime: time.Now(), StartTime: time.Now()}
	require.NoError(t, store.CreateTask(task))

	w := New(Config{
		TaskID:   "task-1",
		DeviceID: "emulator-5554",
		Store:    store,
		Bridge:   &fakeBridge{pushCode: 0, runCode: 0, pullCode: 0},
		Cfg:      newTestConfig(t),
	})

	require.NoError(t, w.Run(context.Background()))

	got, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Empty(t, got.FailReason)
}

func TestWorkerFailsOnPushError(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-1", Status: types.TaskPreparing, CreateTime: time.Now(), StartTime: time.Now()}))

	w := New(Config{
		TaskID:   "task-1",
		DeviceID: "emulator-5554",
		Store:    store,
		Bridge:   &fakeBridge{pushCode: 1},
		Cfg:      newTestConfig(t),
	})

	require.NoError(t, w.Run(context.Background()))

	got, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.FailPushDataFailed, got.FailReason)
}

func TestWorkerFailsOnPullErrorRegardlessOfCommandResult(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-1", Status: types.TaskPreparing, CreateTime: time.Now(), StartTime: time.Now()}))

	w := New(Config{
		TaskID:   "task-1",
		DeviceID: "emulator-5554",
		Store:    store,
		Bridge:   &fakeBridge{pushCode: 0, runCode: 0, pullCode: 1},
		Cfg:      newTestConfig(t),
	})

	require.NoError(t, w.Run(context.Background()))

	got, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.FailPullDataFailed, got.FailReason)
}

func TestWorkerFailsOnNonzeroCommandReturnCode(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-1", Status: types.TaskPreparing, CreateTime: time.Now(), StartTime: time.Now()}))

	w := New(Config{
		TaskID:   "task-1",
		DeviceID: "emulator-5554",
		Store:    store,
		Bridge:   &fakeBridge{pushCode: 0, runCode: 17, pullCode: 0},
		Cfg:      newTestConfig(t),
	})

	require.NoError(t, w.Run(context.Background()))

	got, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.FailNonzeroReturnCode, got.FailReason)
}

func TestWorkerPublishesEvents(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-1", Status: types.TaskPreparing, CreateTime: time.Now(), StartTime: time.Now()}))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	w := New(Config{
		TaskID:   "task-1",
		DeviceID: "emulator-5554",
		Store:    store,
		Bridge:   &fakeBridge{pushCode: 0, runCode: 0, pullCode: 0},
		Broker:   broker,
		Cfg:      newTestConfig(t),
	})
	require.NoError(t, w.Run(context.Background()))

	select {
	case ev := <-sub:
		assert.Equal(t, types.EventTaskRunning, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a running event")
	}
}
