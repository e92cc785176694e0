// Package api implements fleetrun's HTTP façade: task creation, archive
// upload/download, log streaming, device inventory, and liveness.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/basalt-run/fleetrun/pkg/config"
	"github.com/basalt-run/fleetrun/pkg/events"
	"github.com/basalt-run/fleetrun/pkg/health"
	"github.com/basalt-run/fleetrun/pkg/log"
	"github.com/basalt-run/fleetrun/pkg/metrics"
	"github.com/basalt-run/fleetrun/pkg/storage"
	"github.com/basalt-run/fleetrun/pkg/types"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server wires the Store to an echo router implementing the external
// interface.
type Server struct {
	store  storage.Store
	broker *events.Broker
	cfg    config.Config
	echo   *echo.Echo
}

// NewServer builds the router and registers every route.
func NewServer(store storage.Store, broker *events.Broker, cfg config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{store: store, broker: broker, cfg: cfg, echo: e}

	e.GET("/device/list", s.listDevices)
	e.POST("/task/create", s.createTask)
	e.POST("/task/upload/:id", s.uploadInput)
	e.GET("/task/download/:id", s.downloadOutput)
	e.GET("/task/query/:id", s.queryTask)
	e.GET("/task/log/:id/:stream", s.streamLog)
	e.GET("/task/list", s.listTasks)
	e.DELETE("/task/kill/:id", s.killTask)
	e.GET("/task/events", s.taskEvents)

	e.GET("/healthz", s.healthz)
	e.GET("/readyz", s.readyz)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
	}()
	if err := s.echo.Start(s.cfg.APIAddr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) listDevices(c echo.Context) error {
	snapshot, err := s.store.GetDeviceSnapshot()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, snapshot)
}

type createTaskRequest struct {
	Cmd          types.Command    `json:"cmd"`
	Output       types.OutputSpec `json:"output"`
	HintDeviceID string           `json:"hint_device_id"`
	CreateUser   string           `json:"create_user"`
}

func (s *Server) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	now := time.Now()
	task := &types.Task{
		ID:           uuid.NewString(),
		Status:       types.TaskQueueing,
		Cmd:          req.Cmd,
		Output:       req.Output,
		HintDeviceID: req.HintDeviceID,
		CreateUser:   req.CreateUser,
		CreateTime:   now,
		ActiveTime:   now,
	}
	if err := s.store.CreateTask(task); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.publish(types.EventTaskCreated, task.ID, task.Status)
	log.WithTaskID(task.ID).Info().Str("hint_device_id", task.HintDeviceID).Msg("task created")

	return c.JSON(http.StatusOK, map[string]string{"id": task.ID})
}

func (s *Server) uploadInput(c echo.Context) error {
	id := c.Param("id")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer src.Close()

	dstPath := filepath.Join(s.cfg.InputArchiveDir(), id+".tar")
	dst, err := os.Create(dstPath)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if _, err := s.store.SetInputArchiveReady(id); err != nil {
		if err == storage.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.NoContent(http.StatusOK)
}

func (s *Server) downloadOutput(c echo.Context) error {
	id := c.Param("id")
	path := filepath.Join(s.cfg.OutputArchiveDir(), id+".tar")
	return c.Attachment(path, id+".tar")
}

// queryTask returns the task's pre-refresh state, then refreshes
// active_time for the keep-alive protocol — matching the behavior of
// find_one_and_update without return_document=AFTER in the system this
// protocol was ported from.
func (s *Server) queryTask(c echo.Context) error {
	id := c.Param("id")
	task, err := s.store.GetTask(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	snapshot := *task
	if !task.Status.Terminal() {
		_, _ = s.store.TransitionTask(id, task.Status, func(t *types.Task) {
			t.ActiveTime = time.Now()
		})
	}

	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) streamLog(c echo.Context) error {
	id := c.Param("id")
	stream := c.Param("stream")
	if stream != "stdout" && stream != "stderr" {
		return echo.NewHTTPError(http.StatusBadRequest, "stream must be stdout or stderr")
	}

	task, err := s.store.GetTask(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	logPath := task.Stdout
	if stream == "stderr" {
		logPath = task.Stderr
	}
	if logPath == "" {
		return c.NoContent(http.StatusOK)
	}

	f, err := os.Open(logPath)
	if err != nil {
		return c.NoContent(http.StatusOK)
	}
	defer f.Close()

	c.Response().Header().Set(echo.HeaderContentType, "text/plain")
	c.Response().WriteHeader(http.StatusOK)

	buf := make([]byte, 4096)
	lastCheck := time.Time{}
	finished := false
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := c.Response().Write(buf[:n]); err != nil {
				return nil
			}
			c.Response().Flush()
			continue
		}
		if readErr == io.EOF {
			if finished {
				return nil
			}
			if time.Since(lastCheck) > 100*time.Millisecond {
				current, err := s.store.GetTask(id)
				if err == nil && current.Status.Terminal() {
					finished = true
				}
				lastCheck = time.Now()
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if readErr != nil {
			return nil
		}
	}
}

func (s *Server) listTasks(c echo.Context) error {
	all, err := s.store.ListTasks()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	var active []*types.Task
	for _, t := range all {
		if !t.Status.Terminal() {
			active = append(active, t)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": active})
}

func (s *Server) killTask(c echo.Context) error {
	id := c.Param("id")
	task, err := s.store.GetTask(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	if task.Status != types.TaskQueueing && task.Status != types.TaskPreparing && task.Status != types.TaskRunning {
		return c.NoContent(http.StatusConflict)
	}

	_, err = s.store.TransitionTask(id, task.Status, func(t *types.Task) {
		t.Status = types.TaskKilling
	})
	if err != nil {
		return c.NoContent(http.StatusConflict)
	}
	s.publish(types.EventTaskKilled, id, types.TaskKilling)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) taskEvents(c echo.Context) error {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			if err := writeSSE(c, event); err != nil {
				return nil
			}
		}
	}
}

func writeSSE(c echo.Context, event *types.TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(c echo.Context) error {
	checkers := []health.Checker{
		&health.StoreChecker{Store: s.store},
		&health.AdbChecker{AdbPath: s.cfg.AdbPath},
	}
	ready, results := health.Ready(c.Request().Context(), checkers...)
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]interface{}{"ready": ready, "checks": results})
}

func (s *Server) publish(eventType types.EventType, taskID string, status types.TaskStatus) {
	s.broker.Publish(&types.TaskEvent{Type: eventType, TaskID: taskID, Status: status, Timestamp: time.Now()})
}
