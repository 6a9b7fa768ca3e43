// Package tunnel wraps the iproxy child process that forwards a WDA (or
// MJPEG) port from a physical device's USB tunnel to localhost. Simulators
// never need a tunnel: their ports are already local. Grounded on the
// teacher's pkg/driver/wda/runner.go startIProxy, generalized into its own
// supervised child process using the Commander/CmdRunner test seam from
// k-kohey-axe-cli's idb companion wrapper.
package tunnel

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/devicelab-dev/ios-provider/pkg/logger"
)

// Commander abstracts process creation for testing.
type Commander interface {
	Command(name string, args ...string) CmdRunner
}

// CmdRunner abstracts the *exec.Cmd methods TunnelProcess needs.
type CmdRunner interface {
	Start() error
	Wait() error
	Signal(sig syscall.Signal) error
	Kill() error
}

type execCmdRunner struct {
	cmd *exec.Cmd
}

func (r *execCmdRunner) Start() error { return r.cmd.Start() }
func (r *execCmdRunner) Wait() error  { return r.cmd.Wait() }
func (r *execCmdRunner) Signal(sig syscall.Signal) error {
	if r.cmd.Process == nil {
		return fmt.Errorf("tunnel: process not started")
	}
	return r.cmd.Process.Signal(sig)
}
func (r *execCmdRunner) Kill() error {
	if r.cmd.Process == nil {
		return fmt.Errorf("tunnel: process not started")
	}
	return r.cmd.Process.Kill()
}

type defaultCommander struct{}

func (defaultCommander) Command(name string, args ...string) CmdRunner {
	return &execCmdRunner{cmd: exec.Command(name, args...)}
}

// DefaultCommander returns the standard Commander using os/exec.
func DefaultCommander() Commander {
	return defaultCommander{}
}

// Process supervises a single iproxy instance forwarding localPort on the
// host to devicePort on the device identified by udid.
type Process struct {
	udid       string
	localPort  int
	devicePort int

	mu      sync.Mutex
	cmd     CmdRunner
	done    chan struct{}
	exitErr error
}

// New constructs a Process bound to a device and port pair; it does not
// start iproxy until Start is called.
func New(udid string, localPort, devicePort int) *Process {
	return &Process{udid: udid, localPort: localPort, devicePort: devicePort}
}

// Start launches "iproxy localPort:devicePort -u udid" using cmdr.
func (p *Process) Start(cmdr Commander) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("tunnel: already started for %s", p.udid)
	}

	forward := fmt.Sprintf("%d:%d", p.localPort, p.devicePort)
	cmd := cmdr.Command("iproxy", forward, "-u", p.udid)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("iproxy failed to start: %w (install libimobiledevice)", err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	// Give iproxy a moment to establish the USB connection before callers
	// start dialing the forwarded port.
	time.Sleep(500 * time.Millisecond)
	return nil
}

// Done returns a channel closed when the iproxy process exits, whether
// cleanly or by crash. Exited reports the same condition without blocking;
// the supervisor's childExited check uses Exited.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Exited reports whether the process has already exited, without blocking.
func (p *Process) Exited() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM, escalating to SIGKILL if the process hasn't exited
// within 3 seconds. Safe to call multiple times or on a never-started
// Process.
func (p *Process) Stop() {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	p.mu.Unlock()

	if cmd == nil {
		return
	}
	if err := cmd.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("tunnel: SIGTERM failed for %s: %v", p.udid, err)
		_ = cmd.Kill()
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logger.Debug("tunnel: %s did not exit after SIGTERM, killing", p.udid)
		_ = cmd.Kill()
		<-done
	}
}
