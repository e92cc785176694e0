// Package client is the Go SDK for fleetrun's HTTP API: create a task,
// push its input archive, watch it to completion, and pull its output.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basalt-run/fleetrun/pkg/log"
	"github.com/basalt-run/fleetrun/pkg/types"
)

// ErrTaskFailed is returned by Task.Run when the task reaches a terminal
// FAILED status instead of COMPLETED.
var ErrTaskFailed = errors.New("task failed")

// Client is a thin wrapper around the fleetrun HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL, e.g. "http://127.0.0.1:10813".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateTaskRequest describes a task to dispatch.
type CreateTaskRequest struct {
	HintDeviceID string
	Shell        []string
	OutputFiles  []string
	CreateUser   string
}

// CreateTask registers a new task and returns a handle for driving it
// through its lifecycle.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	body, err := json.Marshal(map[string]interface{}{
		"cmd":            types.Command{Shell: req.Shell},
		"output":         types.OutputSpec{Files: req.OutputFiles},
		"hint_device_id": req.HintDeviceID,
		"create_user":    req.CreateUser,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/task/create", bytes.NewReader(body), "application/json", &resp); err != nil {
		return nil, err
	}

	return &Task{client: c, id: resp.ID}, nil
}

// ListTasks returns every task that has not reached a terminal status.
func (c *Client) ListTasks(ctx context.Context) ([]*types.Task, error) {
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/task/list", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// ListDevices returns the last device inventory snapshot.
func (c *Client) ListDevices(ctx context.Context) (*types.DeviceSnapshot, error) {
	var snapshot types.DeviceSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/device/list", nil, "", &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Task returns a handle for an already-created task ID.
func (c *Client) Task(id string) *Task {
	return &Task{client: c, id: id}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Task is a handle to one dispatched task, mirroring the lifecycle the
// keep-alive protocol expects a client to drive.
type Task struct {
	client *Client
	id     string

	mu       sync.Mutex
	snapshot *types.Task
}

// ID returns the task's server-assigned identifier.
func (t *Task) ID() string {
	return t.id
}

// UploadInput pushes archivePath as the task's input archive.
func (t *Task) UploadInput(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(archivePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	return t.client.doJSON(ctx, http.MethodPost, "/task/upload/"+t.id, &buf, mw.FormDataContentType(), nil)
}

// DownloadOutput fetches the task's output archive to destPath.
func (t *Task) DownloadOutput(ctx context.Context, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.client.baseURL+"/task/download/"+t.id, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("download output: %s", resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// Query fetches and caches the task's current state, refreshing its
// active_time on the server the same as a keep-alive tick.
func (t *Task) Query(ctx context.Context) (*types.Task, error) {
	var task types.Task
	if err := t.client.doJSON(ctx, http.MethodGet, "/task/query/"+t.id, nil, "", &task); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.snapshot = &task
	t.mu.Unlock()
	return &task, nil
}

// WaitUntilStart polls Query until the task leaves QUEUEING/PREPARING,
// returning the status it settled on.
func (t *Task) WaitUntilStart(ctx context.Context) (types.TaskStatus, error) {
	for {
		task, err := t.Query(ctx)
		if err != nil {
			return "", err
		}
		log.WithTaskID(t.id).Info().Str("status", string(task.Status)).Msg("task status")

		switch task.Status {
		case types.TaskQueueing, types.TaskPreparing:
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		default:
			return task.Status, nil
		}
	}
}

// KeepAlive polls Query once a second until the task reaches a terminal
// status, acting as the client side of the liveness protocol: a task the
// scheduler doesn't hear from via /task/query within StaleAfter is
// presumed abandoned and killed.
func (t *Task) KeepAlive(ctx context.Context) (types.TaskStatus, error) {
	for {
		task, err := t.Query(ctx)
		if err != nil {
			return "", err
		}
		if task.Status.Terminal() {
			return task.Status, nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// StreamLog copies the task's stdout or stderr stream to w until the
// server closes the connection (the task reached a terminal status).
func (t *Task) StreamLog(ctx context.Context, stream string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.client.baseURL+"/task/log/"+t.id+"/"+stream, nil)
	if err != nil {
		return err
	}
	// The shared client's Timeout would cut the stream off mid-task, so
	// the stream is read without one; ctx still bounds it.
	streamClient := *t.client.http
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// Kill requests the task be killed. A 409 response means the task was no
// longer killable (already KILLING, or in a terminal status) and is not
// treated as an error.
func (t *Task) Kill(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.client.baseURL+"/task/kill/"+t.id, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		log.WithTaskID(t.id).Warn().Msg("killed")
		return nil
	}
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("kill task: %s", resp.Status)
}

// Run drives a task end to end: waits for it to start, streams its
// stdout/stderr and keeps it alive concurrently until it finishes, then
// reports ErrTaskFailed if it didn't complete successfully. Cancelling
// ctx kills the task before returning, mirroring the KeyboardInterrupt
// handling the protocol this SDK implements was built around.
func (t *Task) Run(ctx context.Context, stdout, stderr io.Writer) error {
	status, err := t.WaitUntilStart(ctx)
	if err != nil {
		if ctx.Err() != nil {
			_ = t.Kill(context.Background())
		}
		return err
	}
	if status != types.TaskRunning {
		return t.reportOutcome(status)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); _ = t.StreamLog(ctx, "stdout", stdout) }()
	go func() { defer wg.Done(); _ = t.StreamLog(ctx, "stderr", stderr) }()

	var final types.TaskStatus
	go func() {
		defer wg.Done()
		final, _ = t.KeepAlive(ctx)
	}()
	wg.Wait()

	if ctx.Err() != nil {
		_ = t.Kill(context.Background())
		return ctx.Err()
	}

	return t.reportOutcome(final)
}

func (t *Task) reportOutcome(status types.TaskStatus) error {
	t.mu.Lock()
	snapshot := t.snapshot
	t.mu.Unlock()

	logger := log.WithTaskID(t.id)
	if status == types.TaskCompleted {
		logger.Info().Msg("task completed successfully")
		return nil
	}

	reason := types.TaskFailReason("")
	if snapshot != nil {
		reason = snapshot.FailReason
	}
	logger.Error().Str("fail_reason", string(reason)).Msg("task failed")
	return ErrTaskFailed
}
