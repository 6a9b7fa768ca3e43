package simulator

import (
	"runtime"
	"testing"
)

func TestSimulatorDevice_Fields(t *testing.T) {
	dev := SimulatorDevice{
		Name:        "iPhone 15 Pro",
		UDID:        "A1B2C3D4-E5F6-7890-ABCD-EF1234567890",
		Runtime:     "com.apple.CoreSimulator.SimRuntime.iOS-17-2",
		OSVersion:   "17.2",
		State:       "Shutdown",
		IsAvailable: true,
	}

	if dev.Name != "iPhone 15 Pro" {
		t.Errorf("Name = %q, want %q", dev.Name, "iPhone 15 Pro")
	}
	if dev.UDID != "A1B2C3D4-E5F6-7890-ABCD-EF1234567890" {
		t.Errorf("UDID = %q, want %q", dev.UDID, "A1B2C3D4-E5F6-7890-ABCD-EF1234567890")
	}
	if dev.OSVersion != "17.2" {
		t.Errorf("OSVersion = %q, want %q", dev.OSVersion, "17.2")
	}
	if dev.State != "Shutdown" {
		t.Errorf("State = %q, want %q", dev.State, "Shutdown")
	}
	if !dev.IsAvailable {
		t.Error("IsAvailable = false, want true")
	}
}

func TestBootStatus_IsReady(t *testing.T) {
	tests := []struct {
		name   string
		booted bool
		want   bool
	}{
		{"booted", true, true},
		{"not booted", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs := &BootStatus{Booted: tt.booted}
			if got := bs.IsReady(); got != tt.want {
				t.Errorf("IsReady() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractOSVersion(t *testing.T) {
	tests := []struct {
		runtime string
		want    string
	}{
		{"com.apple.CoreSimulator.SimRuntime.iOS-17-2", "17.2"},
		{"com.apple.CoreSimulator.SimRuntime.iOS-18-0", "18.0"},
		{"com.apple.CoreSimulator.SimRuntime.iOS-16-4", "16.4"},
		{"com.apple.CoreSimulator.SimRuntime.watchOS-10-2", "10.2"},
		{"com.apple.CoreSimulator.SimRuntime.tvOS-17-0", "17.0"},
		{"com.apple.CoreSimulator.SimRuntime.xrOS-1-0", "1.0"},
		{"unknown-runtime", ""},
	}

	for _, tt := range tests {
		t.Run(tt.runtime, func(t *testing.T) {
			got := extractOSVersion(tt.runtime)
			if got != tt.want {
				t.Errorf("extractOSVersion(%q) = %q, want %q", tt.runtime, got, tt.want)
			}
		})
	}
}

func TestParseSimctlText(t *testing.T) {
	const output = `== Devices ==
-- iOS 17.2 --
    iPhone 15 Pro (A1B2C3D4-E5F6-7890-ABCD-EF1234567890) (Booted)
    iPhone 15 (B2C3D4E5-F6A7-8901-BCDE-F12345678901) (Shutdown)
-- tvOS 17.0 --
    Apple TV (C3D4E5F6-A7B8-9012-CDEF-123456789012) (Shutdown)
`
	sims := parseSimctlText(output)
	if len(sims) != 3 {
		t.Fatalf("parseSimctlText() returned %d devices, want 3", len(sims))
	}

	if sims[0].Name != "iPhone 15 Pro" || sims[0].UDID != "A1B2C3D4-E5F6-7890-ABCD-EF1234567890" {
		t.Errorf("sims[0] = %+v", sims[0])
	}
	if sims[0].State != "Booted" {
		t.Errorf("sims[0].State = %q, want Booted", sims[0].State)
	}
	if sims[0].OSVersion != "17.2" {
		t.Errorf("sims[0].OSVersion = %q, want 17.2", sims[0].OSVersion)
	}
	if sims[2].Name != "Apple TV" || sims[2].Runtime != "tvOS 17.0" {
		t.Errorf("sims[2] = %+v", sims[2])
	}
}

func TestParseSimctlText_Empty(t *testing.T) {
	if got := parseSimctlText(""); got != nil {
		t.Errorf("parseSimctlText(\"\") = %v, want nil", got)
	}
}

// Integration tests — require macOS with Xcode

func TestListSimulators_Integration(t *testing.T) {
	if runtime.GOOS != "darwin" {
		t.Skip("iOS simulator tests require macOS")
	}

	sims, err := ListSimulators()
	if err != nil {
		t.Fatalf("ListSimulators() error: %v", err)
	}

	if len(sims) == 0 {
		t.Skip("No simulators available")
	}

	for _, sim := range sims {
		if sim.Name == "" {
			t.Error("SimulatorDevice.Name is empty")
		}
		if sim.UDID == "" {
			t.Error("SimulatorDevice.UDID is empty")
		}
		if sim.State == "" {
			t.Error("SimulatorDevice.State is empty")
		}
	}
}

func TestFindSimctlBinary_Integration(t *testing.T) {
	if runtime.GOOS != "darwin" {
		t.Skip("simctl requires macOS")
	}

	path, err := FindSimctlBinary()
	if err != nil {
		t.Fatalf("FindSimctlBinary() error: %v", err)
	}
	if path == "" {
		t.Error("FindSimctlBinary() returned empty path")
	}
}

func TestListShutdownSimulators_Integration(t *testing.T) {
	if runtime.GOOS != "darwin" {
		t.Skip("iOS simulator tests require macOS")
	}

	sims, err := ListShutdownSimulators()
	if err != nil {
		t.Fatalf("ListShutdownSimulators() error: %v", err)
	}

	for _, sim := range sims {
		if sim.State != "Shutdown" {
			t.Errorf("ListShutdownSimulators() returned sim with state %q", sim.State)
		}
	}
}

func TestCheckBootStatus_Integration(t *testing.T) {
	if runtime.GOOS != "darwin" {
		t.Skip("iOS simulator tests require macOS")
	}

	sims, err := ListSimulators()
	if err != nil || len(sims) == 0 {
		t.Skip("No simulators available")
	}

	status, err := CheckBootStatus(sims[0].UDID)
	if err != nil {
		t.Fatalf("CheckBootStatus() error: %v", err)
	}

	expected := sims[0].State == "Booted"
	if status.Booted != expected {
		t.Errorf("CheckBootStatus().Booted = %v, expected %v (state: %s)", status.Booted, expected, sims[0].State)
	}
}

func TestCheckBootStatus_UnknownUDID(t *testing.T) {
	if runtime.GOOS != "darwin" {
		t.Skip("simctl requires macOS")
	}

	_, err := CheckBootStatus("nonexistent-udid-12345")
	if err == nil {
		t.Error("CheckBootStatus(unknown) should return error")
	}
}
