package simulator

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/devicelab-dev/ios-provider/pkg/logger"
)

// FindSimctlBinary verifies that xcrun/simctl is available.
func FindSimctlBinary() (string, error) {
	path, err := exec.LookPath("xcrun")
	if err != nil {
		return "", fmt.Errorf("xcrun not found; install Xcode Command Line Tools: xcode-select --install")
	}
	return path, nil
}

// simctlDevicesOutput represents the JSON output from xcrun simctl list devices.
type simctlDevicesOutput struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

type simctlDevice struct {
	Name        string `json:"name"`
	UDID        string `json:"udid"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
}

// ListSimulators returns all available iOS simulators.
func ListSimulators() ([]SimulatorDevice, error) {
	if _, err := FindSimctlBinary(); err != nil {
		return nil, err
	}

	cmd := exec.Command("xcrun", "simctl", "list", "devices", "available", "-j")
	output, err := cmd.Output()
	if err != nil {
		textOut, textErr := exec.Command("xcrun", "simctl", "list", "devices", "available").Output()
		if textErr != nil {
			return nil, fmt.Errorf("failed to list simulators: %w", err)
		}
		return parseSimctlText(string(textOut)), nil
	}

	var data simctlDevicesOutput
	if err := json.Unmarshal(output, &data); err != nil {
		return nil, fmt.Errorf("failed to parse simctl output: %w", err)
	}

	var sims []SimulatorDevice
	for runtime, devices := range data.Devices {
		osVersion := extractOSVersion(runtime)
		for _, dev := range devices {
			if !dev.IsAvailable {
				continue
			}
			sims = append(sims, SimulatorDevice{
				Name:        dev.Name,
				UDID:        dev.UDID,
				Runtime:     runtime,
				OSVersion:   osVersion,
				State:       dev.State,
				IsAvailable: dev.IsAvailable,
			})
		}
	}

	logger.Debug("Found %d available simulators", len(sims))
	return sims, nil
}

// ListShutdownSimulators returns available simulators that are currently shut down.
func ListShutdownSimulators() ([]SimulatorDevice, error) {
	sims, err := ListSimulators()
	if err != nil {
		return nil, err
	}

	var shutdown []SimulatorDevice
	for _, sim := range sims {
		if sim.State == "Shutdown" {
			shutdown = append(shutdown, sim)
		}
	}
	return shutdown, nil
}

// IsSimulator checks if a UDID belongs to a known simulator.
func IsSimulator(udid string) bool {
	sims, err := ListSimulators()
	if err != nil {
		return false
	}
	for _, sim := range sims {
		if sim.UDID == udid {
			return true
		}
	}
	return false
}

// CheckBootStatus checks if a simulator is booted.
func CheckBootStatus(udid string) (*BootStatus, error) {
	sims, err := ListSimulators()
	if err != nil {
		return nil, err
	}
	for _, sim := range sims {
		if sim.UDID == udid {
			return &BootStatus{Booted: sim.State == "Booted"}, nil
		}
	}
	return nil, fmt.Errorf("simulator not found: %s", udid)
}

// parseSimctlText is a fallback parser for "xcrun simctl list devices"
// plain-text output, used when -j is unavailable. Lines look like:
//
//	    iPhone 15 Pro (A1B2C3D4-E5F6-7890-ABCD-EF1234567890) (Booted)
//
// under a runtime header line "-- iOS 17.2 --". Only devices with a
// recognized "(<state>)" suffix are reported; anything else is skipped,
// matching the swallow-to-empty posture the rest of this package takes
// on parse trouble.
func parseSimctlText(output string) []SimulatorDevice {
	var sims []SimulatorDevice
	var runtime string

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "--") && strings.HasSuffix(line, "--") {
			runtime = strings.TrimSpace(strings.Trim(line, "-"))
			continue
		}
		open := strings.LastIndex(line, "(")
		close := strings.LastIndex(line, ")")
		if open == -1 || close == -1 || close < open {
			continue
		}
		state := line[open+1 : close]
		rest := strings.TrimSpace(line[:open])
		udidOpen := strings.LastIndex(rest, "(")
		udidClose := strings.LastIndex(rest, ")")
		if udidOpen == -1 || udidClose == -1 || udidClose < udidOpen {
			continue
		}
		udid := rest[udidOpen+1 : udidClose]
		name := strings.TrimSpace(rest[:udidOpen])
		if name == "" || udid == "" {
			continue
		}
		sims = append(sims, SimulatorDevice{
			Name:        name,
			UDID:        udid,
			Runtime:     runtime,
			OSVersion:   extractOSVersion(strings.ReplaceAll(runtime, " ", "-")),
			State:       state,
			IsAvailable: true,
		})
	}
	return sims
}

// extractOSVersion extracts version from runtime string.
// e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2" â†’ "17.2"
func extractOSVersion(runtime string) string {
	// Find "iOS-" prefix and extract version
	idx := strings.LastIndex(runtime, "iOS-")
	if idx == -1 {
		// Try other platforms (watchOS, tvOS, visionOS)
		for _, prefix := range []string{"watchOS-", "tvOS-", "xrOS-"} {
			idx = strings.LastIndex(runtime, prefix)
			if idx != -1 {
				version := runtime[idx+len(prefix):]
				return strings.ReplaceAll(version, "-", ".")
			}
		}
		return ""
	}
	version := runtime[idx+4:] // skip "iOS-"
	return strings.ReplaceAll(version, "-", ".")
}
