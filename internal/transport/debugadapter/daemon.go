package debugadapter

import (
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/controlclient"
	"github.com/particle-iot/flashctl/internal/logx"
)

// daemonState mirrors §9's suggested explicit OpenOcd-style state machine:
// {Stopped, Starting, Running, Stopping}.
type daemonState int

const (
	daemonStopped daemonState = iota
	daemonStarting
	daemonRunning
	daemonStopping
)

// DaemonPath is the target-control daemon binary, resolved via PATH
// (§6's "External executables").
var DaemonPath = "openocd"

const (
	daemonStartTimeout = 10 * time.Second
	minRestartInterval = 1 * time.Second
	maxRestartInterval = 3 * time.Second
)

// DaemonStartTimeout is returned when the daemon fails to open its
// control port within the startup detection window.
type DaemonStartTimeout struct{ Seconds float64 }

func (e *DaemonStartTimeout) Error() string {
	return fmt.Sprintf("debugadapter: daemon did not open control port within %.0fs", e.Seconds)
}

// DaemonExitedUnexpectedly describes the daemon process exiting while the
// control client still expects it running. No code path in this package
// returns it; an exit is not watched for.
type DaemonExitedUnexpectedly struct {
	ExitCode int
	Stderr   string
}

func (e *DaemonExitedUnexpectedly) Error() string {
	return fmt.Sprintf("debugadapter: daemon exited unexpectedly (code %d): %s", e.ExitCode, e.Stderr)
}

// daemon owns one target-control daemon subprocess and the control port
// it serves. start's args is a list of "-f"/"-c" arguments built by the
// caller from the adapter's control config and the init commands for the
// current probing or real-target phase.
type daemon struct {
	mu    sync.Mutex
	state daemonState

	controlPort int
	cmd         *exec.Cmd
	stderrBuf   []byte

	lastStop time.Time
}

func newDaemon() *daemon {
	return &daemon{state: daemonStopped}
}

// start launches the daemon with the given arguments, waiting for the
// minimum restart interval since the previous stop (§4.6 Throttling,
// randomized 1-3s) and then for the control port to accept connections
// within daemonStartTimeout.
func (d *daemon) start(ctx context.Context, controlPort int, args []string) error {
	d.mu.Lock()
	if d.state != daemonStopped {
		d.mu.Unlock()
		return fmt.Errorf("debugadapter: daemon already running")
	}
	d.state = daemonStarting
	wait := timeSinceStop(d.lastStop)
	d.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	cmd := exec.CommandContext(ctx, DaemonPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("debugadapter: daemon stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("debugadapter: starting daemon: %w", err)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				d.mu.Lock()
				d.stderrBuf = append(d.stderrBuf, buf[:n]...)
				d.mu.Unlock()
			}
			if rerr != nil {
				return
			}
		}
	}()

	d.mu.Lock()
	d.cmd = cmd
	d.controlPort = controlPort
	d.mu.Unlock()

	deadline := time.Now().Add(daemonStartTimeout)
	for {
		if portOpen(controlPort) {
			d.mu.Lock()
			d.state = daemonRunning
			d.mu.Unlock()
			logx.Debug("debug adapter daemon started", zap.Int("control_port", controlPort))
			return nil
		}
		if time.Now().After(deadline) {
			d.killLocked()
			return &DaemonStartTimeout{Seconds: daemonStartTimeout.Seconds()}
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func timeSinceStop(last time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	interval := minRestartInterval + time.Duration(rand.Int63n(int64(maxRestartInterval-minRestartInterval)))
	elapsed := time.Since(last)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// gracefulStop sends shutdown over an idle, connected control client and
// closes it, waiting for the process to exit. forceKill is used
// instead when the client isn't connected/idle (§4.6 Close).
func (d *daemon) gracefulStop(ctx context.Context, client *controlclient.Client, shellPrompt string) error {
	d.mu.Lock()
	d.state = daemonStopping
	d.mu.Unlock()

	if client != nil && client.State() == controlclient.StateConnected {
		client.Exec("shutdown", shellPrompt, 2*time.Second)
		client.Disconnect()
	}
	return d.waitExit()
}

func (d *daemon) killLocked() {
	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.mu.Lock()
	d.state = daemonStopped
	d.lastStop = time.Now()
	d.mu.Unlock()
}

func (d *daemon) forceKill() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	d.waitExit()
}

func (d *daemon) waitExit() error {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}
	err := cmd.Wait()
	d.mu.Lock()
	d.state = daemonStopped
	d.lastStop = time.Now()
	d.cmd = nil
	d.mu.Unlock()
	return err
}

func (d *daemon) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == daemonRunning
}
