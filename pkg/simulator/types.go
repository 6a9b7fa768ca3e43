package simulator

// SimulatorDevice represents an available iOS simulator from simctl list.
type SimulatorDevice struct {
	Name        string // e.g., "iPhone 15 Pro"
	UDID        string // e.g., "A1B2C3D4-E5F6-..."
	Runtime     string // e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2"
	OSVersion   string // e.g., "17.2" (extracted from Runtime)
	State       string // "Shutdown", "Booted", etc.
	IsAvailable bool
}

// BootStatus represents simulator boot state, as observed — this package
// never initiates a boot, it only reports what simctl already sees.
type BootStatus struct {
	Booted bool // state == "Booted" from simctl list
}

// IsReady returns true if the simulator is fully booted.
func (bs *BootStatus) IsReady() bool {
	return bs.Booted
}
