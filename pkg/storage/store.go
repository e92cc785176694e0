// Package storage persists tasks and the device inventory snapshot.
package storage

import "github.com/basalt-run/fleetrun/pkg/types"

// ErrNotFound is returned when a lookup by ID finds no record.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

// ErrStatusMismatch is returned by TransitionTask when the task's current
// status no longer matches the expected one, so the caller can treat it
// as a lost race rather than a hard failure.
var ErrStatusMismatch = statusMismatchError{}

type statusMismatchError struct{}

func (statusMismatchError) Error() string { return "status mismatch" }

// Store is the durable backing for task state and device inventory.
// Every implementation must make TransitionTask atomic with respect to
// concurrent callers: it is the sole primitive the scheduler and worker
// use to advance a task through its lifecycle, so two callers racing to
// transition the same task must never both succeed.
type Store interface {
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)

	// TransitionTask atomically reads the task, verifies its status equals
	// expected, and — only if it matches — applies mutate and persists the
	// result. It returns ErrStatusMismatch if the task's status had already
	// moved on, and ErrNotFound if the task doesn't exist.
	TransitionTask(id string, expected types.TaskStatus, mutate func(*types.Task)) (*types.Task, error)

	// SetInputArchiveReady atomically flips InputArchiveReady on, without
	// touching Status or any other field. It is not gated on the task's
	// current status, matching an upload racing a kill or a scheduler
	// dispatch: whichever field each writes, the other's write survives.
	SetInputArchiveReady(id string) (*types.Task, error)

	PutDeviceSnapshot(snapshot *types.DeviceSnapshot) error
	GetDeviceSnapshot() (*types.DeviceSnapshot, error)

	Close() error
}
