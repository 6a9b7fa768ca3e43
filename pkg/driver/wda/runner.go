package wda

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/ios-provider/pkg/config"
	"github.com/devicelab-dev/ios-provider/pkg/logger"
)

const (
	buildTimeout   = 10 * time.Minute
	startupTimeout = 90 * time.Second
)

// Runner launches WebDriverAgent on a device using one of three mutually
// exclusive modes, selected once at construction and then treated uniformly
// by everything downstream (the supervisor never branches on mode): the
// built-in build (xcodebuild against WebDriverAgent.xcodeproj), an external
// xctest helper binary, or manual (assume something else already started
// WDA and only probe/proxy it).
type Runner struct {
	deviceUDID string
	teamID     string
	mode       config.WDAMode
	helperPath string
	bundleID   string

	port      uint16
	mjpegPort uint16

	wdaPath  string
	buildDir string
	cmd      *exec.Cmd
	logFile  *os.File

	exitMu  sync.Mutex
	done    chan struct{}
	exitErr error

	isSimulatorCache bool
	simulatorChecked bool
}

// NewRunner creates a Runner for deviceUDID in the given mode, bound to
// wdaPort (allocated by the caller's PortAllocator). helperPath and
// bundleID are only consulted in ModeExternalHelper (bundleID as the
// helper's -B pattern); pass "" where a mode doesn't need them. wdaPort is the
// address the supervisor will poll and proxy: for simulators it is passed
// through as USE_PORT so WDA binds there directly; for physical devices
// it is the tunnel's local end, forwarding to the device's fixed WDA port.
func NewRunner(deviceUDID, teamID string, mode config.WDAMode, helperPath, bundleID string, wdaPort uint16) *Runner {
	return &Runner{
		deviceUDID: deviceUDID,
		teamID:     teamID,
		mode:       mode,
		helperPath: helperPath,
		bundleID:   bundleID,
		port:       wdaPort,
	}
}

// Port returns the WDA port this runner was constructed with.
func (r *Runner) Port() uint16 {
	return r.port
}

// SetMJPEGPort records the local port the reverse proxy's screen bridge
// reads MJPEG from, so the built-in build mode can pass it to the
// simulator's WDA process as MJPEG_SERVER_PORT. Devices don't get this
// override: their WDA keeps its fixed MJPEG port, reached through a tunnel.
func (r *Runner) SetMJPEGPort(port uint16) {
	r.mjpegPort = port
}

// Build compiles WDA for the target device. A no-op outside
// ModeBuiltinBuild: the external helper ships its own prebuilt bundle, and
// manual mode launches nothing.
func (r *Runner) Build(ctx context.Context) error {
	if r.mode != config.WDAModeBuiltinBuild {
		return nil
	}

	wdaPath, err := GetWDAPath()
	if err != nil {
		return err
	}
	r.wdaPath = wdaPath

	r.buildDir, err = r.getBuildCacheDir()
	if err != nil {
		return fmt.Errorf("failed to get build cache directory: %w", err)
	}

	os.MkdirAll(r.buildDir, 0755)
	os.MkdirAll(filepath.Join(r.buildDir, "logs"), 0755)

	if _, err := r.findXctestrun(); err == nil {
		logger.Debug("wda: using cached build for %s (%s)", r.deviceUDID, filepath.Base(r.buildDir))
		return nil
	}

	logPath := filepath.Join(r.buildDir, "logs", "build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	buildCtx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	projectPath := filepath.Join(r.wdaPath, "WebDriverAgent.xcodeproj")

	cmd := exec.CommandContext(buildCtx, "xcodebuild",
		"build-for-testing",
		"-project", projectPath,
		"-scheme", "WebDriverAgentRunner",
		"-destination", r.destination(),
		"-derivedDataPath", r.derivedDataPath(),
		"-allowProvisioningUpdates",
		fmt.Sprintf("DEVELOPMENT_TEAM=%s", r.teamID),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build failed:\n%s\n\nFull log: %s", tailLog(logPath, 20), logPath)
	}

	if _, err := r.findXctestrun(); err != nil {
		return err
	}

	return nil
}

// Start launches WDA according to the runner's mode. Child output is never
// forwarded to this process's own stdout/stderr; failures only manifest
// as the child exiting early or WDA not responding within the readiness
// window, per spec.
func (r *Runner) Start(ctx context.Context) error {
	switch r.mode {
	case config.WDAModeManual:
		return nil
	case config.WDAModeExternalHelper:
		return r.startExternalHelper(ctx)
	default:
		return r.startBuiltinBuild(ctx)
	}
}

func (r *Runner) startBuiltinBuild(ctx context.Context) error {
	xctestrun, err := r.findXctestrun()
	if err != nil {
		return err
	}

	isSim, _ := r.IsSimulator()

	// Inject env into the xctestrun plist so the WDA process picks it up.
	// Setting cmd.Env on xcodebuild does NOT propagate to the test runner;
	// the runner reads env vars from the xctestrun plist's
	// EnvironmentVariables.
	if err := r.injectEnv(xctestrun, isSim); err != nil {
		return fmt.Errorf("failed to set WDA env in xctestrun: %w", err)
	}

	logPath := filepath.Join(r.buildDir, "logs", "runner.log")
	r.logFile, err = os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	r.cmd = exec.CommandContext(ctx, "xcodebuild",
		"test-without-building",
		"-xctestrun", xctestrun,
		"-destination", r.destination(),
		"-derivedDataPath", r.derivedDataPath(),
	)
	r.cmd.Stdout = r.logFile
	r.cmd.Stderr = r.logFile

	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start WDA: %w", err)
	}
	r.watchExit(r.cmd)

	if err := r.waitForStartupFromLog(logPath); err != nil {
		r.Stop()
		return err
	}

	return nil
}

// startExternalHelper shells out to a configurable helper binary with
// "xctest -B <bundle-pattern> <udid>", per spec.md §4.5 mode 2. The helper
// is expected to manage its own build/install; this runner only waits for
// WDA to start responding on the runner's port.
func (r *Runner) startExternalHelper(ctx context.Context) error {
	if r.helperPath == "" {
		return fmt.Errorf("wda: external helper mode requires a helper path")
	}

	r.cmd = exec.CommandContext(ctx, r.helperPath, "xctest", "-B", r.bundleID, r.deviceUDID)

	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("external WDA helper failed to start: %w", err)
	}
	r.watchExit(r.cmd)

	if err := r.waitForStartupFromProbe(ctx); err != nil {
		r.Stop()
		return err
	}

	return nil
}

// watchExit spawns a goroutine that reaps cmd and records its exit, so
// Exited() can report child death without blocking anyone on cmd.Wait().
func (r *Runner) watchExit(cmd *exec.Cmd) {
	r.exitMu.Lock()
	r.done = make(chan struct{})
	r.exitMu.Unlock()

	go func() {
		err := cmd.Wait()
		r.exitMu.Lock()
		r.exitErr = err
		r.exitMu.Unlock()
		close(r.done)
	}()
}

// Exited reports whether the WDA child process has already exited, without
// blocking. Manual mode manages no child and always reports false, matching
// spec.md §4.8's "no runner to observe" case for that mode.
func (r *Runner) Exited() bool {
	r.exitMu.Lock()
	done := r.done
	r.exitMu.Unlock()
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

// injectEnv writes USE_PORT, and MJPEG_SERVER_PORT for simulators, into
// the xctestrun plist's EnvironmentVariables.
func (r *Runner) injectEnv(xctestrunPath string, isSimulator bool) error {
	portStr := strconv.Itoa(int(r.port))

	jsonData, err := exec.Command("plutil", "-convert", "json", "-o", "-", xctestrunPath).Output()
	if err != nil {
		return fmt.Errorf("failed to read xctestrun: %w", err)
	}

	var plist map[string]interface{}
	if err := json.Unmarshal(jsonData, &plist); err != nil {
		return fmt.Errorf("failed to parse xctestrun: %w", err)
	}

	env := map[string]string{"USE_PORT": portStr}
	if isSimulator && r.mjpegPort != 0 {
		env["MJPEG_SERVER_PORT"] = strconv.Itoa(int(r.mjpegPort))
	}

	// Handle format version 2 (TestConfigurations array)
	if configs, ok := plist["TestConfigurations"].([]interface{}); ok {
		for _, cfg := range configs {
			cfgMap, _ := cfg.(map[string]interface{})
			if cfgMap == nil {
				continue
			}
			targets, _ := cfgMap["TestTargets"].([]interface{})
			for _, tgt := range targets {
				setPortEnv(tgt, env)
			}
		}
	} else {
		// Format version 1: top-level keys are test targets
		for key, val := range plist {
			if key == "__xctestrun_metadata__" {
				continue
			}
			setPortEnv(val, env)
		}
	}

	result, err := json.MarshalIndent(plist, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize xctestrun: %w", err)
	}

	if err := os.WriteFile(xctestrunPath, result, 0644); err != nil {
		return fmt.Errorf("failed to write xctestrun: %w", err)
	}

	if out, err := exec.Command("plutil", "-convert", "xml1", xctestrunPath).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to convert xctestrun to plist: %s: %w", out, err)
	}

	return nil
}

func setPortEnv(target interface{}, overrides map[string]string) {
	tgtMap, ok := target.(map[string]interface{})
	if !ok {
		return
	}
	env, ok := tgtMap["EnvironmentVariables"].(map[string]interface{})
	if !ok {
		env = make(map[string]interface{})
		tgtMap["EnvironmentVariables"] = env
	}
	for k, v := range overrides {
		env[k] = v
	}
}

// Stop terminates the running WDA child, if one is managed by this runner.
// Manual mode never has a child to stop.
func (r *Runner) Stop() {
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
		r.cmd = nil
	}
	if r.logFile != nil {
		r.logFile.Close()
		r.logFile = nil
	}
}

// Cleanup stops the runner. The build directory is persistent (cached
// under the home cache dir) and is never removed here.
func (r *Runner) Cleanup() {
	r.Stop()
}

// getBuildCacheDir returns the cache directory path for this specific
// configuration, keyed by sim-vs-device, iOS version, and team ID so
// switching devices or teams never reuses a stale build.
func (r *Runner) getBuildCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	isSimulator, err := r.IsSimulator()
	if err != nil {
		return "", err
	}

	iosVersion, err := r.getIOSVersion()
	if err != nil {
		return "", err
	}

	var configName string
	if isSimulator {
		configName = fmt.Sprintf("sim-ios%s-iphone", iosVersion)
	} else {
		teamID := r.teamID
		if teamID == "" {
			teamID = "default"
		}
		configName = fmt.Sprintf("device-ios%s-team%s", iosVersion, teamID)
	}

	return filepath.Join(home, ".ios-provider", "cache", "wda-builds", configName), nil
}

// IsSimulator reports whether the device this runner targets is a
// simulator, consulting simctl once and caching the result.
func (r *Runner) IsSimulator() (bool, error) {
	if r.simulatorChecked {
		return r.isSimulatorCache, nil
	}

	cmd := exec.Command("xcrun", "simctl", "list", "devices", "-j")
	output, err := cmd.Output()
	if err != nil {
		// simctl unavailable or failing: assume a physical device.
		r.isSimulatorCache, r.simulatorChecked = false, true
		return false, nil
	}

	var data map[string]interface{}
	if err := json.Unmarshal(output, &data); err != nil {
		return false, err
	}

	devices, ok := data["devices"].(map[string]interface{})
	if !ok {
		r.isSimulatorCache, r.simulatorChecked = false, true
		return false, nil
	}

	for _, deviceList := range devices {
		list, ok := deviceList.([]interface{})
		if !ok {
			continue
		}
		for _, device := range list {
			deviceMap, ok := device.(map[string]interface{})
			if !ok {
				continue
			}
			if udid, ok := deviceMap["udid"].(string); ok && udid == r.deviceUDID {
				r.isSimulatorCache, r.simulatorChecked = true, true
				return true, nil
			}
		}
	}

	r.isSimulatorCache, r.simulatorChecked = false, true
	return false, nil
}

// getIOSVersion returns the iOS version of the device.
func (r *Runner) getIOSVersion() (string, error) {
	cmd := exec.Command("xcrun", "simctl", "list", "devices", "-j")
	output, err := cmd.Output()
	if err == nil {
		var data map[string]interface{}
		if err := json.Unmarshal(output, &data); err == nil {
			devices, ok := data["devices"].(map[string]interface{})
			if ok {
				for runtime, deviceList := range devices {
					list, ok := deviceList.([]interface{})
					if !ok {
						continue
					}
					for _, device := range list {
						deviceMap, ok := device.(map[string]interface{})
						if !ok {
							continue
						}
						if udid, ok := deviceMap["udid"].(string); ok && udid == r.deviceUDID {
							parts := strings.Split(runtime, ".")
							if len(parts) > 0 {
								lastPart := parts[len(parts)-1]
								version := strings.TrimPrefix(lastPart, "iOS-")
								version = strings.ReplaceAll(version, "-", ".")
								return version, nil
							}
						}
					}
				}
			}
		}
	}

	// Real devices: fall back to ideviceinfo (requires libimobiledevice).
	cmd = exec.Command("ideviceinfo", "-u", r.deviceUDID, "-k", "ProductVersion")
	output, err = cmd.Output()
	if err == nil {
		if version := strings.TrimSpace(string(output)); version != "" {
			return version, nil
		}
	}

	return "unknown", nil
}

func (r *Runner) destination() string {
	return fmt.Sprintf("id=%s", r.deviceUDID)
}

func (r *Runner) derivedDataPath() string {
	return filepath.Join(r.buildDir, "DerivedData")
}

func (r *Runner) findXctestrun() (string, error) {
	pattern := filepath.Join(r.derivedDataPath(), "Build", "Products", "*.xctestrun")
	matches, _ := filepath.Glob(pattern)
	if len(matches) == 0 {
		return "", fmt.Errorf("no xctestrun file found in %s", filepath.Dir(pattern))
	}
	return matches[0], nil
}

func (r *Runner) waitForStartupFromLog(logPath string) error {
	timeout := time.After(startupTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			content, err := os.ReadFile(logPath)
			if err != nil {
				continue
			}
			if err := r.checkLog(string(content), logPath); err != errNotReady {
				return err
			}
		case <-timeout:
			return fmt.Errorf("WDA startup timeout (90s):\n%s\n\nFull log: %s", tailLog(logPath, 20), logPath)
		}
	}
}

// waitForStartupFromProbe polls WDA's HTTP status endpoint directly, for
// modes (external helper) that don't produce a build log this runner can
// scan for success/failure markers.
func (r *Runner) waitForStartupFromProbe(ctx context.Context) error {
	client := NewClient(r.port)
	timeout := time.After(startupTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := client.Status(); err == nil {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("WDA startup timeout (90s): helper never became reachable on port %d", r.port)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errNotReady = fmt.Errorf("not ready")

func (r *Runner) checkLog(log, logPath string) error {
	if strings.Contains(log, "ServerURLHere") || strings.Contains(log, "WebDriverAgent") && strings.Contains(log, "started") {
		return nil
	}

	if strings.Contains(log, "Developer App Certificate is not trusted") {
		return fmt.Errorf("certificate not trusted - trust it in Settings > General > VPN & Device Management")
	}
	if strings.Contains(log, "Code Sign error") {
		return fmt.Errorf("code signing failed - check your DEVELOPMENT_TEAM and provisioning profiles")
	}
	if strings.Contains(log, "Testing failed:") {
		return fmt.Errorf("WDA failed:\n%s\n\nFull log: %s", tailLog(logPath, 20), logPath)
	}

	return errNotReady
}

func tailLog(path string, lines int) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(could not read log: %s)", err)
	}
	allLines := strings.Split(string(content), "\n")
	if len(allLines) <= lines {
		return string(content)
	}
	return strings.Join(allLines[len(allLines)-lines:], "\n")
}
