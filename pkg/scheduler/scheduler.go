// Package scheduler runs the dispatch/liveness/reap loop and the
// periodic device inventory refresh: the single process per host that
// owns all task-to-device assignment.
package scheduler

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/basalt-run/fleetrun/pkg/adb"
	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/events"
	"github.com/basalt-run/fleetrun/pkg/log"
	"github.com/basalt-run/fleetrun/pkg/metrics"
	"github.com/basalt-run/fleetrun/pkg/storage"
	"github.com/basalt-run/fleetrun/pkg/types"
	"github.com/rs/zerolog"
)

// runningTask tracks one in-flight worker subprocess so the scheduler
// can signal it on kill and reap it once it exits.
type runningTask struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// DeviceBridge is the subset of adb.Bridge the scheduler depends on for
// enumerating and sampling devices, broken out as an interface so tests
// can swap in a fake fleet instead of real adb.
type DeviceBridge interface {
	ListDevices(ctx context.Context) ([]string, error)
	GetInfo(ctx context.Context, deviceID string) types.DeviceInfo
}

// Scheduler owns the dispatch loop: assigning queued tasks to idle
// devices, killing tasks that miss the keep-alive deadline, and reaping
// finished worker subprocesses.
type Scheduler struct {
	store  storage.Store
	bridge DeviceBridge
	broker *events.Broker
	cfg    config.Config
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]*runningTask

	stopCh chan struct{}
}

// New builds a Scheduler against store, using bridge to enumerate and
// query devices.
func New(store storage.Store, bridge DeviceBridge, broker *events.Broker, cfg config.Config) *Scheduler {
	return &Scheduler{
		store:   store,
		bridge:  bridge,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("scheduler"),
		running: make(map[string]*runningTask),
		stopCh:  make(chan struct{}),
	}
}

// Run blocks, driving the dispatch/kill/reap tick and the device refresh
// loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.deviceRefreshLoop(ctx)

	ticker := time.NewTicker(s.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.findTaskToRun(ctx)
			s.findTaskToKill()
			s.cleanDeadTasks()
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Stop signals the run loop to exit without waiting for ctx.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// findTaskToRun dispatches at most one queued, upload-ready task per
// tick — bounded work per tick, matching the one-task-per-cycle read the
// system this was ported from performed.
func (s *Scheduler) findTaskToRun(ctx context.Context) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		s.logger.Error().Err(err).Msg("list tasks failed")
		return
	}

	var candidate *types.Task
	busy := make(map[string]bool)
	for _, t := range tasks {
		if t.Busy() {
			busy[t.DeviceID] = true
		}
		if candidate == nil && t.Status == types.TaskQueueing && t.InputArchiveReady {
			candidate = t
		}
	}
	if candidate == nil {
		return
	}

	devices, err := s.bridge.ListDevices(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list devices failed")
		return
	}

	var selected string
	for _, d := range devices {
		if d == candidate.HintDeviceID && !busy[d] {
			selected = d
			break
		}
	}

	if selected == "" {
		if _, err := s.store.TransitionTask(candidate.ID, types.TaskQueueing, func(t *types.Task) {
			t.Status = types.TaskFailed
			t.FailReason = types.FailDeviceUnavailable
			t.FinishTime = time.Now()
		}); err != nil {
			s.logger.Error().Err(err).Str("task_id", candidate.ID).Msg("device-unavailable transition failed")
		}
		metrics.TasksFailed.WithLabelValues(string(types.FailDeviceUnavailable)).Inc()
		s.publish(types.EventTaskFailed, candidate.ID, types.TaskFailed)
		return
	}

	timer := metrics.NewTimer()
	task, err := s.store.TransitionTask(candidate.ID, types.TaskQueueing, func(t *types.Task) {
		t.Status = types.TaskPreparing
		t.DeviceID = selected
		t.StartTime = time.Now()
		t.ActiveTime = time.Now()
	})
	if err != nil {
		// Lost the race to another scheduler tick or a concurrent kill; try again next tick.
		return
	}
	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.TasksScheduled.Inc()
	s.publish(types.EventTaskScheduled, task.ID, task.Status)

	s.spawnWorker(task.ID, selected)
}

// findTaskToKill marks any task that has missed its keep-alive deadline
// as KILLING, then signals and reaps every worker now in that status.
func (s *Scheduler) findTaskToKill() {
	tasks, err := s.store.ListTasks()
	if err != nil {
		s.logger.Error().Err(err).Msg("list tasks failed")
		return
	}

	now := time.Now()
	for _, t := range tasks {
		if t.Status != types.TaskQueueing && t.Status != types.TaskPreparing && t.Status != types.TaskRunning {
			continue
		}
		if now.Sub(t.ActiveTime) <= s.cfg.StaleAfter {
			continue
		}
		if _, err := s.store.TransitionTask(t.ID, t.Status, func(task *types.Task) {
			task.Status = types.TaskKilling
		}); err != nil {
			continue
		}
	}

	tasks, err = s.store.ListTasks()
	if err != nil {
		return
	}
	for _, t := range tasks {
		if t.Status != types.TaskKilling {
			continue
		}
		s.killWorker(t.ID)
		if _, err := s.store.TransitionTask(t.ID, types.TaskKilling, func(task *types.Task) {
			task.Status = types.TaskFailed
			task.FailReason = types.FailKilled
			task.FinishTime = time.Now()
		}); err == nil {
			metrics.TasksKilled.Inc()
			metrics.TasksFailed.WithLabelValues(string(types.FailKilled)).Inc()
			s.publish(types.EventTaskKilled, t.ID, types.TaskFailed)
		}
	}
}

// cleanDeadTasks reaps worker subprocesses that have already exited,
// freeing their registry entries.
func (s *Scheduler) cleanDeadTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rt := range s.running {
		select {
		case <-rt.done:
			delete(s.running, id)
		default:
		}
	}
}

// spawnWorker execs a `fleetrun worker` subprocess for the dispatched
// task, mirroring the one-process-per-task isolation the teacher's
// container worker used and the original multiprocessing.Process model.
func (s *Scheduler) spawnWorker(taskID, deviceID string) {
	cmd := exec.Command(os.Args[0], "worker", "--task-id="+taskID, "--device-id="+deviceID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to spawn worker")
		return
	}

	rt := &runningTask{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.running[taskID] = rt
	s.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(rt.done)
	}()
}

// killWorker sends SIGTERM to the task's worker subprocess, if one is
// still tracked, and blocks until it exits — the Go equivalent of
// terminate_flag.set() followed by a blocking join().
func (s *Scheduler) killWorker(taskID string) {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}

	_ = rt.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-rt.done:
	case <-time.After(5 * time.Second):
		_ = rt.cmd.Process.Kill()
		<-rt.done
	}

	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// deviceRefreshLoop periodically re-enumerates and samples every
// attached device, writing a fresh snapshot to the store.
func (s *Scheduler) deviceRefreshLoop(ctx context.Context) {
	s.refreshDevices(ctx)

	ticker := time.NewTicker(s.cfg.DeviceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshDevices(ctx)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) refreshDevices(ctx context.Context) {
	ids, err := s.bridge.ListDevices(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list devices failed")
		return
	}

	infos := make([]types.DeviceInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, s.bridge.GetInfo(ctx, id))
	}

	snapshot := &types.DeviceSnapshot{DeviceInfos: infos, UpdateTime: time.Now()}
	if err := s.store.PutDeviceSnapshot(snapshot); err != nil {
		s.logger.Error().Err(err).Msg("persist device snapshot failed")
		return
	}
	metrics.DevicesAttached.Set(float64(len(infos)))
	s.publish(types.EventDeviceSnapshot, "", "")
}

func (s *Scheduler) publish(eventType types.EventType, taskID string, status types.TaskStatus) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&types.TaskEvent{Type: eventType, TaskID: taskID, Status: status, Timestamp: time.Now()})
}

// ensure *adb.Bridge satisfies DeviceBridge at compile time.
var _ DeviceBridge = (*adb.Bridge)(nil)
