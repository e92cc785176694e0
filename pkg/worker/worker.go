// Package worker implements the fleetrun worker: the process the
// scheduler spawns per task to push its input archive to a device, run
// its command, and pull the results back.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basalt-run/fleetrun/pkg/adb"
	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/events"
	"github.com/basalt-run/fleetrun/pkg/log"
	"github.com/basalt-run/fleetrun/pkg/metrics"
	"github.com/basalt-run/fleetrun/pkg/storage"
	"github.com/basalt-run/fleetrun/pkg/types"
)

// DeviceBridge is the subset of adb.Bridge the worker depends on, broken
// out as an interface so tests can swap in a fake instead of real adb.
type DeviceBridge interface {
	PushData(ctx context.Context, deviceID, tarPath string) (int, error)
	RunCommand(ctx context.Context, deviceID string, cmdTokens []string, stdout, stderr *os.File) (int, error)
	PullData(ctx context.Context, deviceID string, srcPaths []string, dst string) (int, error)
}

// Config holds everything a Worker needs to run a single task.
type Config struct {
	TaskID   string
	DeviceID string
	Store    storage.Store
	Bridge   DeviceBridge
	Broker   *events.Broker
	Cfg      config.Config
}

// Worker runs exactly one task from PREPARING through to a terminal
// status. It is the entry point of the `fleetrun worker` subcommand,
// which the scheduler execs as a detached process per dispatched task.
type Worker struct {
	cfg Config
}

// New builds a Worker for the given task/device pair.
func New(cfg Config) *Worker {
	return &Worker{cfg: cfg}
}

// Run executes the push/run/pull sequence against ctx, which is
// cancelled when the scheduler sends this process SIGTERM. Every adb
// call threads ctx through so cancellation is observed within one poll
// interval, mirroring the terminate_flag the system this was ported from
// threaded through its own subprocess polling loop.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.ForTask(w.cfg.DeviceID, w.cfg.TaskID)
	task, err := w.cfg.Store.GetTask(w.cfg.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	stdoutPath, stderrPath := w.logPaths(task)
	if err := touchFile(stdoutPath); err != nil {
		return err
	}
	if err := touchFile(stderrPath); err != nil {
		return err
	}

	inputTar := filepath.Join(w.cfg.Cfg.InputArchiveDir(), w.cfg.TaskID+".tar")
	outputTar := filepath.Join(w.cfg.Cfg.OutputArchiveDir(), w.cfg.TaskID+".tar")

	pushTimer := metrics.NewTimer()
	pushCode, err := w.cfg.Bridge.PushData(ctx, w.cfg.DeviceID, inputTar)
	pushTimer.ObserveDuration(metrics.PushDuration)
	if err != nil || pushCode != 0 {
		logger.Warn().Err(err).Int("exit_code", pushCode).Msg("push failed")
		return w.fail(types.TaskPreparing, types.FailPushDataFailed)
	}

	if _, err := w.cfg.Store.TransitionTask(w.cfg.TaskID, types.TaskPreparing, func(t *types.Task) {
		t.Status = types.TaskRunning
		t.Stdout = stdoutPath
		t.Stderr = stderrPath
	}); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}
	w.publish(types.EventTaskRunning, types.TaskRunning)

	stdout, err := os.OpenFile(stdoutPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(stderrPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer stderr.Close()

	runTimer := metrics.NewTimer()
	commandReturnCode, runErr := w.cfg.Bridge.RunCommand(ctx, w.cfg.DeviceID, task.Cmd.Shell, stdout, stderr)
	runTimer.ObserveDuration(metrics.RunDuration)
	if runErr != nil {
		logger.Warn().Err(runErr).Msg("run_device_command error")
	}

	pullTimer := metrics.NewTimer()
	pullCode, err := w.cfg.Bridge.PullData(ctx, w.cfg.DeviceID, task.Output.Files, outputTar)
	pullTimer.ObserveDuration(metrics.PullDuration)
	if err != nil || pullCode != 0 {
		logger.Warn().Err(err).Int("exit_code", pullCode).Msg("pull failed")
		return w.fail(types.TaskRunning, types.FailPullDataFailed)
	}

	if commandReturnCode == 0 {
		_, err := w.cfg.Store.TransitionTask(w.cfg.TaskID, types.TaskRunning, func(t *types.Task) {
			t.Status = types.TaskCompleted
			t.FinishTime = time.Now()
		})
		if err != nil {
			return fmt.Errorf("transition to completed: %w", err)
		}
		metrics.TasksCompleted.Inc()
		w.publish(types.EventTaskCompleted, types.TaskCompleted)
		return nil
	}

	_, err = w.cfg.Store.TransitionTask(w.cfg.TaskID, types.TaskRunning, func(t *types.Task) {
		t.Status = types.TaskFailed
		t.FailReason = types.FailNonzeroReturnCode
		t.FinishTime = time.Now()
	})
	if err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}
	metrics.TasksFailed.WithLabelValues(string(types.FailNonzeroReturnCode)).Inc()
	w.publish(types.EventTaskFailed, types.TaskFailed)
	return nil
}

func (w *Worker) fail(expected types.TaskStatus, reason types.TaskFailReason) error {
	_, err := w.cfg.Store.TransitionTask(w.cfg.TaskID, expected, func(t *types.Task) {
		t.Status = types.TaskFailed
		t.FailReason = reason
		t.FinishTime = time.Now()
	})
	if err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}
	metrics.TasksFailed.WithLabelValues(string(reason)).Inc()
	eventType := types.EventTaskFailed
	if reason == types.FailPushDataFailed {
		eventType = types.EventTaskPushFailed
	} else if reason == types.FailPullDataFailed {
		eventType = types.EventTaskPullFailed
	}
	w.publish(eventType, types.TaskFailed)
	return nil
}

func (w *Worker) publish(eventType types.EventType, status types.TaskStatus) {
	if w.cfg.Broker == nil {
		return
	}
	w.cfg.Broker.Publish(&types.TaskEvent{
		Type:      eventType,
		TaskID:    w.cfg.TaskID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

func (w *Worker) logPaths(task *types.Task) (stdout, stderr string) {
	timeMs := task.StartTime.UnixMilli()
	base := fmt.Sprintf("%s_%d", w.cfg.TaskID, timeMs)
	dir := w.cfg.Cfg.LogDir()
	return filepath.Join(dir, base+"_out.log"), filepath.Join(dir, base+"_err.log")
}

func touchFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// ensure *adb.Bridge satisfies DeviceBridge at compile time.
var _ DeviceBridge = (*adb.Bridge)(nil)
