// Package health implements fleetrun's liveness and readiness checks:
// the process is alive as soon as it starts, but it isn't ready to serve
// until its store is reachable and the adb binary it depends on resolves.
package health

import (
	"context"
	"os/exec"
	"time"

	"github.com/basalt-run/fleetrun/pkg/storage"
)

// Result is the outcome of a single readiness check.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker reports whether the component it wraps is currently usable.
type Checker interface {
	Check(ctx context.Context) Result
}

// StoreChecker verifies the durable store can still be read.
type StoreChecker struct {
	Store storage.Store
}

// Check lists tasks as a cheap liveness probe against the store.
func (c *StoreChecker) Check(ctx context.Context) Result {
	start := time.Now()
	_, err := c.Store.ListTasks()
	if err != nil {
		return Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "store reachable", CheckedAt: start, Duration: time.Since(start)}
}

// AdbChecker verifies the configured adb binary can be resolved on PATH.
type AdbChecker struct {
	AdbPath string
}

// Check resolves AdbPath via exec.LookPath.
func (c *AdbChecker) Check(ctx context.Context) Result {
	start := time.Now()
	path, err := exec.LookPath(c.AdbPath)
	if err != nil {
		return Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "resolved at " + path, CheckedAt: start, Duration: time.Since(start)}
}

// Ready runs every checker and reports true only if all of them pass.
func Ready(ctx context.Context, checkers ...Checker) (bool, []Result) {
	results := make([]Result, 0, len(checkers))
	healthy := true
	for _, c := range checkers {
		r := c.Check(ctx)
		results = append(results, r)
		if !r.Healthy {
			healthy = false
		}
	}
	return healthy, results
}
