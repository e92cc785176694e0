package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basalt-run/fleetrun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTaskParsesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/create", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "emulator-5554", body["hint_device_id"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	task, err := c.CreateTask(context.Background(), CreateTaskRequest{
		HintDeviceID: "emulator-5554",
		Shell:        []string{"echo", "hi"},
		OutputFiles:  []string{"out.txt"},
		CreateUser:   "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID())
}

func TestQueryUpdatesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&types.Task{ID: "task-1", Status: types.TaskRunning})
	}))
	defer srv.Close()

	c := New(srv.URL)
	task := c.Task("task-1")
	got, err := task.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, got.Status)
	require.NotNil(t, task.snapshot)
	assert.Equal(t, types.TaskRunning, task.snapshot.Status)
}

func TestWaitUntilStartStopsAtRunning(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := types.TaskQueueing
		if calls > 1 {
			status = types.TaskRunning
		}
		_ = json.NewEncoder(w).Encode(&types.Task{ID: "task-1", Status: status})
	}))
	defer srv.Close()

	c := New(srv.URL)
	task := c.Task("task-1")
	status, err := task.WaitUntilStart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, status)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestKillTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL)
	task := c.Task("task-1")
	assert.NoError(t, task.Kill(context.Background()))
}

func TestListDevicesDecodesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&types.DeviceSnapshot{
			DeviceInfos: []types.DeviceInfo{{DeviceID: "emulator-5554"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	snapshot, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.DeviceInfos, 1)
	assert.Equal(t, "emulator-5554", snapshot.DeviceInfos[0].DeviceID)
}

func TestDoJSONSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.doJSON(context.Background(), http.MethodGet, "/task/list", bytes.NewReader(nil), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
