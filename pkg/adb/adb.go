// Package adb wraps the real `adb` binary to implement the device-bridge
// operations fleetrun needs: enumerating attached devices, sampling their
// state, and pushing/running/pulling a task's data.
package adb

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basalt-run/fleetrun/pkg/log"
	"github.com/basalt-run/fleetrun/pkg/types"
)

const pollInterval = 100 * time.Millisecond

// Bridge shells out to adb to implement device enumeration, inventory
// sampling, and the push/run/pull sequence a task goes through.
type Bridge struct {
	// AdbPath is the adb binary to invoke, resolved via PATH if not absolute.
	AdbPath string
	// Workspace is the on-device directory every task runs in.
	Workspace string
}

// New returns a Bridge using the given adb binary and device workspace.
func New(adbPath, workspace string) *Bridge {
	return &Bridge{AdbPath: adbPath, Workspace: workspace}
}

// ListDevices returns the sorted IDs of devices adb currently reports as
// ready ("device" state, as opposed to "offline" or "unauthorized").
func (b *Bridge) ListDevices(ctx context.Context) ([]string, error) {
	out, err := b.runCaptured(ctx, 10*time.Second, "devices")
	if err != nil {
		return nil, nil
	}
	return parseDeviceIDs(out), nil
}

// parseDeviceIDs extracts ready device IDs from `adb devices` output.
func parseDeviceIDs(out []byte) []string {
	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "\tdevice") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				ids = append(ids, fields[0])
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// GetInfo samples a single device's power state, battery level, and
// hostname. Every sub-query is best-effort: a failure leaves the
// corresponding field nil rather than failing the whole call, exactly as
// the system this was ported from tolerated partial dumpsys output.
func (b *Bridge) GetInfo(ctx context.Context, deviceID string) types.DeviceInfo {
	info := types.DeviceInfo{DeviceID: deviceID}

	if powerOn := b.powerOn(ctx, deviceID); powerOn != nil {
		info.PowerOn = powerOn
	}
	if battery := b.battery(ctx, deviceID); battery != nil {
		info.Battery = battery
	}
	if hostname := b.hostname(ctx, deviceID); hostname != nil {
		info.Hostname = hostname
	}
	return info
}

func (b *Bridge) powerOn(ctx context.Context, deviceID string) *bool {
	out, err := b.runCaptured(ctx, 10*time.Second, "-s", deviceID, "shell", "dumpsys", "input_method")
	if err == nil {
		if v := parsePowerOnFromInputMethod(out); v != nil {
			return v
		}
	}

	out, err = b.runCaptured(ctx, 10*time.Second, "-s", deviceID, "shell", "dumpsys", "power")
	if err != nil {
		return nil
	}
	return parsePowerOnFromPower(out)
}

// parsePowerOnFromInputMethod reads `dumpsys input_method` output for the
// mSystemReady line and interprets whichever of mScreenOn/mInteractive it
// carries.
func parsePowerOnFromInputMethod(out []byte) *bool {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "mSystemReady") {
			continue
		}
		if strings.Contains(line, "mScreenOn") {
			v := strings.Contains(line, "mScreenOn=true")
			return &v
		}
		if strings.Contains(line, "mInteractive") {
			v := strings.Contains(line, "mInteractive=true")
			return &v
		}
	}
	return nil
}

// parsePowerOnFromPower is the fallback reading of `dumpsys power`.
func parsePowerOnFromPower(out []byte) *bool {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "Display Power") {
			v := strings.Contains(line, "ON")
			return &v
		}
	}
	return nil
}

func (b *Bridge) battery(ctx context.Context, deviceID string) *float64 {
	out, err := b.runCaptured(ctx, 10*time.Second, "-s", deviceID, "shell", "dumpsys", "battery")
	if err != nil {
		return nil
	}
	return parseBattery(out)
}

// parseBattery reads the last numeric field of the "level" line in
// `dumpsys battery` output.
func parseBattery(out []byte) *float64 {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "level") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			continue
		}
		return &v
	}
	return nil
}

func (b *Bridge) hostname(ctx context.Context, deviceID string) *string {
	out, err := b.runCaptured(ctx, 10*time.Second, "-s", deviceID, "shell", "getprop", "persist.project_name")
	if err == nil {
		if name := trimmedOrNil(out); name != nil {
			return name
		}
	}
	out, err = b.runCaptured(ctx, 10*time.Second, "-s", deviceID, "shell", "getprop", "ro.product.model")
	if err != nil {
		return nil
	}
	return trimmedOrNil(out)
}

func trimmedOrNil(out []byte) *string {
	name := strings.TrimSpace(string(out))
	if name == "" {
		return nil
	}
	return &name
}

// PushData wipes the device workspace, pushes the task's input archive,
// and extracts it, returning the first non-zero step's exit code, or 0.
func (b *Bridge) PushData(ctx context.Context, deviceID, tarPath string) (int, error) {
	if code, err := b.pollRun(ctx, "-s", deviceID, "shell", "rm", "-rf", b.Workspace); err != nil || code != 0 {
		return code, err
	}

	code, err := b.pollRun(ctx, "-s", deviceID, "push", "--sync", tarPath, b.Workspace+"/__input.tar")
	if err != nil || code != 0 {
		return code, err
	}

	remoteCmd := fmt.Sprintf("cd %s && tar xvf __input.tar --no-same-owner --exclude */__empty.txt", b.Workspace)
	return b.pollRun(ctx, "-s", deviceID, "shell", remoteCmd)
}

// PullData collects the named device-side paths (plus a sentinel so the
// archive is never empty) into a tar on the device, then pulls it to dst.
func (b *Bridge) PullData(ctx context.Context, deviceID string, srcPaths []string, dst string) (int, error) {
	var quoted []string
	for _, p := range srcPaths {
		quoted = append(quoted, "'"+p+"'")
	}
	remoteCmd := strings.Join([]string{
		"cd " + b.Workspace,
		"touch __empty.txt",
		"paths=()",
		"for p in " + strings.Join(quoted, " ") + " __empty.txt",
		`do if [ -f "$p" -o -d "$p" ]`,
		"then paths+=($p)",
		"fi",
		"done",
		"tar cvf __output.tar ${paths[@]}",
	}, "; ")

	code, err := b.pollRun(ctx, "-s", deviceID, "shell", remoteCmd)
	if err != nil || code != 0 {
		return code, err
	}

	return b.pollRun(ctx, "-s", deviceID, "pull", b.Workspace+"/__output.tar", dst)
}

// RunCommand executes the task's command on the device, streaming its
// stdout/stderr into the given files as they're produced. cmdTokens is
// joined into a single shell invocation here, at execution time, not
// when the task was created.
func (b *Bridge) RunCommand(ctx context.Context, deviceID string, cmdTokens []string, stdout, stderr *os.File) (int, error) {
	remoteCmd := strings.Join(cmdTokens, " ")
	localCmd := exec.CommandContext(ctx, b.AdbPath, "-s", deviceID, "shell", "-n",
		fmt.Sprintf("cd %s && %s", shellQuote(b.Workspace), remoteCmd))
	localCmd.Stdin = nil
	localCmd.Stdout = stdout
	localCmd.Stderr = stderr

	if err := localCmd.Start(); err != nil {
		return -1, err
	}

	done := make(chan error, 1)
	go func() { done <- localCmd.Wait() }()

	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return exitCode(localCmd, err)
		case <-ticker.C:
			logRunProgress(deviceID, start, stdout, stderr)
		case <-ctx.Done():
			_ = localCmd.Process.Kill()
			<-done
			return -1, ctx.Err()
		}
	}
}

// logRunProgress emits the once-a-second diagnostic the command's
// elapsed time and the bytes written so far to each log file.
func logRunProgress(deviceID string, start time.Time, stdout, stderr *os.File) {
	outOffset, _ := stdout.Seek(0, io.SeekCurrent)
	errOffset, _ := stderr.Seek(0, io.SeekCurrent)
	log.WithDeviceID(deviceID).Info().
		Dur("elapsed", time.Since(start)).
		Int64("stdout_bytes", outOffset).
		Int64("stderr_bytes", errOffset).
		Msg("command running")
}

// pollRun runs adb with the given args to completion, polling every
// 100ms so a caller's ctx cancellation kills the subprocess promptly
// instead of blocking on a single long Wait call.
func (b *Bridge) pollRun(ctx context.Context, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, b.AdbPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return exitCode(cmd, err)
		case <-ticker.C:
			// cooperative cancellation check happens via ctx.Done below
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
			return -1, ctx.Err()
		}
	}
}

func (b *Bridge) runCaptured(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, b.AdbPath, args...)
	return cmd.Output()
}

func exitCode(cmd *exec.Cmd, waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, waitErr
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
