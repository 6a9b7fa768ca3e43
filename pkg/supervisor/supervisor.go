// Package supervisor implements DeviceSupervisor: the per-device state
// machine that launches WDA, fronts it with a reverse proxy, and keeps it
// healthy. Grounded on original_source/idb.py's IDevice.run_wda_forever
// (the preparing/ready loop, the restart budget, destroy()) and on the
// teacher's pkg/driver/wda/runner.go Stop/Cleanup child-teardown pattern.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/devicelab-dev/ios-provider/pkg/config"
	"github.com/devicelab-dev/ios-provider/pkg/driver/wda"
	"github.com/devicelab-dev/ios-provider/pkg/logger"
	"github.com/devicelab-dev/ios-provider/pkg/portpool"
	"github.com/devicelab-dev/ios-provider/pkg/providererrors"
	"github.com/devicelab-dev/ios-provider/pkg/reverseproxy"
	"github.com/devicelab-dev/ios-provider/pkg/tunnel"
)

// State is one of the three SupervisorState values from spec.md §3.
type State string

const (
	StatePreparing State = "preparing"
	StateReady     State = "ready"
	StateFatal     State = "fatal"
)

const (
	defaultMaxFailedLaunches = 4
	fastFailWindow           = 3 * time.Second
	readyDeadline            = 60 * time.Second
	preparingBackoff         = 10 * time.Second
	defaultHealthPoll        = 60 * time.Second
	healthFailBudget         = 3
	pollInterval             = time.Second

	wdaDevicePort   = 8100
	mjpegDevicePort = 9100
)

// WDAInfo is the subset of WDA's /status JSON the supervisor reads,
// per spec.md §3/§6.
type WDAInfo struct {
	IP         string
	Version    string
	SDKVersion string
}

// StatusCallback is invoked on every state transition and on ready-state IP
// changes, carrying enough to build a heartbeat payload (spec.md §4.9's
// status → heartbeat mapping table) without the coordinator needing its
// own copy of per-device identity.
type StatusCallback func(udid string, state State, identity Identity, info *WDAInfo)

// GlobalStartLock is the single mutual-exclusion token spec.md §3/§4.8
// describes: held by the coordinator and loaned to each supervisor only
// during its WDA launch phase, since two concurrent IDE-driven test
// launches on the same host collide over the test-runner bundle upload.
type GlobalStartLock struct {
	mu sync.Mutex
}

// NewGlobalStartLock creates an unlocked GlobalStartLock.
func NewGlobalStartLock() *GlobalStartLock {
	return &GlobalStartLock{}
}

func (l *GlobalStartLock) Lock()   { l.mu.Lock() }
func (l *GlobalStartLock) Unlock() { l.mu.Unlock() }

// Identity carries the device facts the supervisor needs for its
// "preparing" heartbeat payload, without depending on pkg/inventory
// directly (the coordinator resolves Identity and passes it in).
type Identity struct {
	Name    string
	Product string
}

// Supervisor runs the state machine for a single device.
type Supervisor struct {
	udid     string
	identity Identity
	cfg      *config.Config
	ports    *portpool.Allocator
	lock     *GlobalStartLock
	onStatus StatusCallback

	mu          sync.Mutex
	state       State
	wdaPort     int
	mjpegPort   int
	publicPort  int
	lastInfo    *WDAInfo
	retryCount  int
	stopped     bool
	stopSignal  chan struct{}
	finished    chan struct{}
	finishedOne sync.Once

	runner    *wda.Runner
	wdaTunnel *tunnel.Process
	mjpegTun  *tunnel.Process
	proxy     *reverseproxy.Server

	retryBackoff backoff.BackOff
}

// New constructs a Supervisor for udid. It does not start anything until
// Start is called.
func New(udid string, identity Identity, cfg *config.Config, ports *portpool.Allocator, lock *GlobalStartLock, onStatus StatusCallback) *Supervisor {
	return &Supervisor{
		udid:         udid,
		identity:     identity,
		cfg:          cfg,
		ports:        ports,
		lock:         lock,
		onStatus:     onStatus,
		state:        StatePreparing,
		stopSignal:   make(chan struct{}),
		finished:     make(chan struct{}),
		retryBackoff: newBackoff(),
	}
}

// State returns the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PublicPort returns the currently allocated reverse-proxy public port, or
// 0 if the supervisor hasn't completed a launch yet.
func (s *Supervisor) PublicPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicPort
}

// Start launches the supervision loop in a new goroutine and returns
// immediately; use Finished() to await terminal teardown.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// Finished returns a channel closed once the supervisor has fully torn
// down, per spec.md §4.8's "finished latch".
func (s *Supervisor) Finished() <-chan struct{} {
	return s.finished
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.destroy()
	defer s.signalFinished()

	for {
		if s.isStopped() {
			s.transition(StateFatal, nil)
			return
		}

		launchStart := time.Now()
		err := s.launch(ctx)
		elapsed := time.Since(launchStart)

		if err == nil {
			s.mu.Lock()
			s.retryCount = 0
			s.mu.Unlock()
			s.retryBackoff.Reset()

			if !s.healthLoop(ctx) {
				s.transition(StateFatal, nil)
				return
			}
			// healthLoop returned true: the health budget ran out and the
			// children were torn down, so drop back to preparing. A stop
			// request arriving meanwhile is handled at loop top above.
			continue
		}

		s.destroyChildren()

		s.mu.Lock()
		s.retryCount++
		retryCount := s.retryCount
		s.mu.Unlock()

		logger.Warn("supervisor %s: launch failed: %v", s.udid, err)

		if retryCount > s.maxFailedLaunches()-1 {
			s.transition(StateFatal, nil)
			return
		}
		if elapsed < fastFailWindow {
			s.transition(StateFatal, nil)
			return
		}

		if !s.sleep(ctx, s.retryBackoff.NextBackOff()) {
			s.transition(StateFatal, nil)
			return
		}
	}
}

// launch runs the C8 launch sequence from spec.md §4.8: allocate ports,
// start WDA, start tunnels for physical devices, restart the reverse
// proxy, then wait for readiness — all under the GlobalStartLock, which is
// released the moment wait_until_ready returns.
func (s *Supervisor) launch(ctx context.Context) error {
	s.transition(StatePreparing, nil)

	s.lock.Lock()
	defer s.lock.Unlock()

	wdaPort, err := s.ports.Get()
	if err != nil {
		return fmt.Errorf("supervisor: allocate wda port: %w", err)
	}
	mjpegPort, err := s.ports.Get()
	if err != nil {
		s.ports.Release(wdaPort)
		return fmt.Errorf("supervisor: allocate mjpeg port: %w", err)
	}

	s.mu.Lock()
	s.wdaPort = wdaPort
	s.mjpegPort = mjpegPort
	s.mu.Unlock()

	runner := wda.NewRunner(s.udid, s.cfg.TeamID, s.cfg.WDAMode, s.cfg.WDAHelperPath, s.cfg.WDABundleID, uint16(wdaPort))
	runner.SetMJPEGPort(uint16(mjpegPort))

	if err := runner.Build(ctx); err != nil {
		return fmt.Errorf("supervisor: build WDA: %w", err)
	}
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start WDA: %w", err)
	}

	s.mu.Lock()
	s.runner = runner
	s.mu.Unlock()

	isSimulator, _ := runner.IsSimulator()
	if !isSimulator {
		wdaTunnel := tunnel.New(s.udid, wdaPort, wdaDevicePort)
		if err := wdaTunnel.Start(tunnel.DefaultCommander()); err != nil {
			return fmt.Errorf("supervisor: start wda tunnel: %w", err)
		}
		mjpegTunnel := tunnel.New(s.udid, mjpegPort, mjpegDevicePort)
		if err := mjpegTunnel.Start(tunnel.DefaultCommander()); err != nil {
			wdaTunnel.Stop()
			return fmt.Errorf("supervisor: start mjpeg tunnel: %w", err)
		}
		s.mu.Lock()
		s.wdaTunnel = wdaTunnel
		s.mjpegTun = mjpegTunnel
		s.mu.Unlock()
	}

	proxy, err := reverseproxy.New(
		fmt.Sprintf("http://127.0.0.1:%d", wdaPort),
		fmt.Sprintf("http://127.0.0.1:%d", mjpegPort),
	)
	if err != nil {
		return fmt.Errorf("supervisor: create reverse proxy: %w", err)
	}
	if err := proxy.Start(0); err != nil {
		return fmt.Errorf("supervisor: start reverse proxy: %w", err)
	}

	s.mu.Lock()
	s.proxy = proxy
	s.publicPort = proxy.Port()
	s.mu.Unlock()

	if err := s.waitUntilReady(ctx, wdaPort); err != nil {
		return err
	}

	info := s.fetchInfo(wdaPort)
	s.mu.Lock()
	s.lastInfo = info
	s.mu.Unlock()
	s.transition(StateReady, info)

	return nil
}

// waitUntilReady polls status() every second until it succeeds, any
// tracked child has exited, the deadline passes, or stop is requested.
func (s *Supervisor) waitUntilReady(ctx context.Context, wdaPort int) error {
	deadline := time.After(readyDeadline)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	client := wda.NewClient(uint16(wdaPort))

	for {
		if s.childExited() {
			return providererrors.ErrChildExited
		}
		if _, err := client.Status(); err == nil {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("supervisor: WDA did not become ready within %s", readyDeadline)
		case <-s.stopSignal:
			return fmt.Errorf("supervisor: stop requested during launch")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// healthLoop runs while in StateReady: polls alive() (status()+screenshot,
// spec.md §4.6/§9) every 60s, re-emits ready on IP change, and returns true
// after three consecutive failures, signalling the outer run loop to drop
// back to preparing and relaunch. It returns false only when stop or ctx
// cancellation fires, signalling the outer run loop to tear down for good.
func (s *Supervisor) healthLoop(ctx context.Context) bool {
	s.mu.Lock()
	wdaPort := s.wdaPort
	s.mu.Unlock()
	client := wda.NewClient(uint16(wdaPort))

	fails := 0
	for {
		if !s.sleep(ctx, s.healthPollInterval()) {
			return false
		}

		if !client.Alive() || s.childExited() {
			fails++
			logger.Debug("supervisor %s: health check failed (%d/%d)", s.udid, fails, healthFailBudget)
			if fails > healthFailBudget-1 {
				s.destroyChildren()
				return true // drop back to preparing
			}
			continue
		}

		status, err := client.Status()
		if err != nil {
			fails++
			continue
		}

		fails = 0
		info := parseWDAInfo(status)
		s.mu.Lock()
		changed := s.lastInfo == nil || s.lastInfo.IP != info.IP
		s.lastInfo = info
		s.mu.Unlock()
		if changed {
			s.transition(StateReady, info)
		}
	}
}

func (s *Supervisor) fetchInfo(wdaPort int) *WDAInfo {
	status, err := wda.NewClient(uint16(wdaPort)).Status()
	if err != nil {
		return nil
	}
	return parseWDAInfo(status)
}

func parseWDAInfo(status map[string]interface{}) *WDAInfo {
	value, _ := status["value"].(map[string]interface{})
	if value == nil {
		return &WDAInfo{}
	}
	info := &WDAInfo{}
	if ios, ok := value["ios"].(map[string]interface{}); ok {
		if ip, ok := ios["ip"].(string); ok {
			info.IP = ip
		}
	}
	if osInfo, ok := value["os"].(map[string]interface{}); ok {
		if v, ok := osInfo["version"].(string); ok {
			info.Version = v
		}
		if v, ok := osInfo["sdkVersion"].(string); ok {
			info.SDKVersion = v
		}
	}
	return info
}

func (s *Supervisor) childExited() bool {
	s.mu.Lock()
	runner, wdaTunnel, mjpegTun, proxy := s.runner, s.wdaTunnel, s.mjpegTun, s.proxy
	s.mu.Unlock()

	if runner != nil && runner.Exited() {
		return true
	}
	if wdaTunnel != nil && wdaTunnel.Exited() {
		return true
	}
	if mjpegTun != nil && mjpegTun.Exited() {
		return true
	}
	if proxy != nil && proxy.Exited() {
		return true
	}
	return false
}

// sleep suspends for d, returning false immediately if stop is requested
// or ctx is cancelled during the wait, matching spec.md §4.8's "sleep
// intervals ... are interruptible by stop".
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopSignal:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) maxFailedLaunches() int {
	if s.cfg != nil && s.cfg.MaxFailedLaunches > 0 {
		return s.cfg.MaxFailedLaunches
	}
	return defaultMaxFailedLaunches
}

func (s *Supervisor) healthPollInterval() time.Duration {
	if s.cfg != nil && s.cfg.HealthPollSeconds > 0 {
		return time.Duration(s.cfg.HealthPollSeconds) * time.Second
	}
	return defaultHealthPoll
}

func (s *Supervisor) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Supervisor) transition(state State, info *WDAInfo) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus(s.udid, state, s.identity, info)
	}
}

// Stop requests teardown: idempotent, returns ErrAlreadyStopped on a
// second call. Safe to call from any goroutine; the run loop observes the
// stop signal at every suspension point.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return providererrors.ErrAlreadyStopped
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopSignal)
	return nil
}

// destroy tears down every tracked child and clears the references: the WDA
// runner's process is killed, each tunnel gets SIGTERM (SIGKILL after 3s),
// the reverse proxy is stopped, and the allocated ports are released. Safe
// to call more than once; a second call finds nothing left to tear down.
func (s *Supervisor) destroy() {
	s.destroyChildren()
}

func (s *Supervisor) destroyChildren() {
	s.mu.Lock()
	runner, wdaTunnel, mjpegTun, proxy := s.runner, s.wdaTunnel, s.mjpegTun, s.proxy
	s.runner, s.wdaTunnel, s.mjpegTun, s.proxy = nil, nil, nil, nil
	wdaPort, mjpegPort := s.wdaPort, s.mjpegPort
	s.wdaPort, s.mjpegPort = 0, 0
	s.mu.Unlock()

	if runner != nil {
		runner.Cleanup()
	}
	if wdaTunnel != nil {
		wdaTunnel.Stop()
	}
	if mjpegTun != nil {
		mjpegTun.Stop()
	}
	if proxy != nil {
		_ = proxy.Stop()
	}
	if wdaPort != 0 {
		s.ports.Release(wdaPort)
	}
	if mjpegPort != 0 {
		s.ports.Release(mjpegPort)
	}
}

func (s *Supervisor) signalFinished() {
	s.finishedOne.Do(func() { close(s.finished) })
}

// RestartProxy rebuilds the reverse proxy against a fresh public port,
// used by cold-reset operations (spec.md §4.7's restart policy, §4.10's
// external collaborator contract).
func (s *Supervisor) RestartProxy() error {
	s.mu.Lock()
	proxy := s.proxy
	s.mu.Unlock()
	if proxy == nil {
		return fmt.Errorf("supervisor: no active proxy to restart")
	}
	if err := proxy.Restart(0); err != nil {
		return err
	}
	s.mu.Lock()
	s.publicPort = proxy.Port()
	s.mu.Unlock()
	return nil
}

// Healthcheck exercises the cold-reset external-collaborator contract
// directly against WDA, bypassing the supervisor's own cached state.
func (s *Supervisor) Healthcheck() error {
	s.mu.Lock()
	wdaPort := s.wdaPort
	s.mu.Unlock()
	if wdaPort == 0 {
		return fmt.Errorf("supervisor: no WDA port allocated")
	}
	return wda.NewClient(uint16(wdaPort)).Healthcheck()
}

// newBackoff builds the exponential backoff used between failed launch
// attempts, capped at preparingBackoff (spec.md §4.8's "sleep 10s,
// preparing"): early retries come quickly, later ones slow down instead of
// hammering a broken environment every 10s for the whole retry budget.
func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = preparingBackoff
	return b
}
