package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/events"
	"github.com/basalt-run/fleetrun/pkg/storage"
	"github.com/basalt-run/fleetrun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.CacheDir = t.TempDir()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewServer(store, broker, cfg), store
}

func TestCreateTask(t *testing.T) {
	s, store := newTestServer(t)

	body := `{"cmd":{"shell":["echo","hi"]},"output":{"files":["out.txt"]},"hint_device_id":"emulator-5554","create_user":"alice"}`
	req := httptest.NewRequest(http.MethodPost, "/task/create", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])

	task, err := store.GetTask(resp["id"])
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueueing, task.Status)
	assert.Equal(t, []string{"echo", "hi"}, task.Cmd.Shell)
	assert.Equal(t, "emulator-5554", task.HintDeviceID)
}

func TestUploadInputDoesNotRevertConcurrentStatusChange(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, os.MkdirAll(s.cfg.InputArchiveDir(), 0o755))
	require.NoError(t, store.CreateTask(&types.Task{ID: "task-1", Status: types.TaskQueueing}))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "input.tar")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake archive bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	// Simulate a scheduler dispatch landing between the upload finishing
	// its write and the request reaching uploadInput's store update.
	_, err = store.TransitionTask("task-1", types.TaskQueueing, func(task *types.Task) {
		task.Status = types.TaskPreparing
		task.DeviceID = "emulator-5554"
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/task/upload/task-1", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	task, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.True(t, task.InputArchiveReady)
	assert.Equal(t, types.TaskPreparing, task.Status, "upload must not revert a concurrent transition")
	assert.Equal(t, "emulator-5554", task.DeviceID)
}

func TestKillTaskConflictWhenTerminal(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.CreateTask(&types.Task{ID: "task-1", Status: types.TaskCompleted}))

	req := httptest.NewRequest(http.MethodDelete, "/task/kill/task-1", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestKillTaskSucceedsWhileRunning(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.CreateTask(&types.Task{ID: "task-1", Status: types.TaskRunning}))

	req := httptest.NewRequest(http.MethodDelete, "/task/kill/task-1", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)

	task, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskKilling, task.Status)
}

func TestQueryTaskRefreshesActiveTime(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.CreateTask(&types.Task{ID: "task-1", Status: types.TaskRunning}))

	req := httptest.NewRequest(http.MethodGet, "/task/query/task-1", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	refreshed, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.False(t, refreshed.ActiveTime.IsZero())
}

func TestListTasksExcludesTerminal(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.CreateTask(&types.Task{ID: "running", Status: types.TaskRunning}))
	require.NoError(t, store.CreateTask(&types.Task{ID: "done", Status: types.TaskCompleted}))

	req := httptest.NewRequest(http.MethodGet, "/task/list", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "running", resp.Tasks[0].ID)
}

func TestReadyzReportsStoreAndAdb(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, rec.Code)

	var resp struct {
		Ready  bool              `json:"ready"`
		Checks []json.RawMessage `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Checks, 2, "one result each for the store and adb checks")
	assert.Equal(t, rec.Code == http.StatusOK, resp.Ready)
}
