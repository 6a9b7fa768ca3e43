// Package inventory implements DeviceInventory: a one-shot listing of
// currently attached iOS devices, physical and simulated. Grounded on
// original_source/idb.py's list_devices/udid2name/udid2product (the same
// shell-out-and-swallow-errors shape, generalized to simulators) and on the
// teacher's pkg/simulator/ios.go for the simctl half.
package inventory

import (
	"strings"

	"github.com/danielpaulus/go-ios/ios"

	"github.com/devicelab-dev/ios-provider/pkg/logger"
	"github.com/devicelab-dev/ios-provider/pkg/simulator"
)

// Identity is a DeviceIdentity: immutable once observed. Model is looked up
// from ProductCode via a static table; an empty ProductCode (simulators
// never report one) means Model stays empty and callers should treat the
// device as a simulator.
type Identity struct {
	UDID        string
	Name        string
	ProductCode string
	Model       string
	Simulator   bool
}

// List returns the current set of attached device UDIDs: physical devices
// from the USB multiplexer via go-ios, and booted simulators from simctl.
// Tool errors are swallowed to an empty contribution from that source, per
// spec.md §4.1/§7 — an unavailable toolchain looks like "no devices of that
// kind" rather than aborting the whole listing.
func List() map[string]bool {
	udids := make(map[string]bool)

	for _, udid := range physicalUDIDs() {
		udids[udid] = true
	}
	for _, dev := range simulatorDevices() {
		if dev.State == "Booted" {
			udids[dev.UDID] = true
		}
	}

	return udids
}

// Describe resolves the full Identity for udid, trying physical-device
// lookup first and falling back to the simulator listing. Returns a
// best-effort Identity with empty fields on lookup failure; callers treat
// empty Name/Model as "Unknown" per spec.md §4.1.
func Describe(udid string) Identity {
	if id, ok := describePhysical(udid); ok {
		return id
	}
	if dev, ok := findSimulator(udid); ok {
		return Identity{UDID: udid, Name: dev.Name, Simulator: true}
	}
	return Identity{UDID: udid}
}

func physicalUDIDs() []string {
	list, err := ios.ListDevices()
	if err != nil {
		logger.Debug("inventory: go-ios ListDevices failed: %v", err)
		return nil
	}

	udids := make([]string, 0, len(list.DeviceList))
	for _, entry := range list.DeviceList {
		udids = append(udids, entry.Properties.SerialNumber)
	}
	return udids
}

func describePhysical(udid string) (Identity, bool) {
	list, err := ios.ListDevices()
	if err != nil {
		return Identity{}, false
	}

	for _, entry := range list.DeviceList {
		if entry.Properties.SerialNumber != udid {
			continue
		}
		values, err := ios.GetValues(entry)
		if err != nil {
			logger.Debug("inventory: go-ios GetValues(%s) failed: %v", udid, err)
			return Identity{UDID: udid}, true
		}
		return Identity{
			UDID:        udid,
			Name:        values.Value.DeviceName,
			ProductCode: values.Value.ProductType,
			Model:       productModel(values.Value.ProductType),
		}, true
	}
	return Identity{}, false
}

func simulatorDevices() []simulator.SimulatorDevice {
	devices, err := simulator.ListSimulators()
	if err != nil {
		logger.Debug("inventory: ListSimulators failed: %v", err)
		return nil
	}
	return devices
}

func findSimulator(udid string) (simulator.SimulatorDevice, bool) {
	for _, dev := range simulatorDevices() {
		if strings.EqualFold(dev.UDID, udid) {
			return dev, true
		}
	}
	return simulator.SimulatorDevice{}, false
}

// productModels maps a hardware ProductType code to a human-readable
// model name, ported from original_source/idb.py's udid2product table.
// Unknown codes yield "Unknown".
var productModels = map[string]string{
	"iPhone8,1":  "iPhone 6s",
	"iPhone8,2":  "iPhone 6s Plus",
	"iPhone8,4":  "iPhone SE",
	"iPhone9,1":  "iPhone 7",
	"iPhone9,3":  "iPhone 7",
	"iPhone9,2":  "iPhone 7 Plus",
	"iPhone9,4":  "iPhone 7 Plus",
	"iPhone10,1": "iPhone 8",
	"iPhone10,4": "iPhone 8",
	"iPhone10,2": "iPhone 8 Plus",
	"iPhone10,5": "iPhone 8 Plus",
	"iPhone10,3": "iPhone X",
	"iPhone10,6": "iPhone X",
	"iPhone11,8": "iPhone XR",
	"iPhone11,2": "iPhone XS",
	"iPhone11,6": "iPhone XS Max",
	"iPhone12,1": "iPhone 11",
	"iPhone12,3": "iPhone 11 Pro",
	"iPhone12,5": "iPhone 11 Pro Max",
	"iPhone13,1": "iPhone 12 mini",
	"iPhone13,2": "iPhone 12",
	"iPhone13,3": "iPhone 12 Pro",
	"iPhone13,4": "iPhone 12 Pro Max",
	"iPhone14,4": "iPhone 13 mini",
	"iPhone14,5": "iPhone 13",
	"iPhone14,2": "iPhone 13 Pro",
	"iPhone14,3": "iPhone 13 Pro Max",
	"iPhone14,7": "iPhone 14",
	"iPhone14,8": "iPhone 14 Plus",
	"iPhone15,2": "iPhone 14 Pro",
	"iPhone15,3": "iPhone 14 Pro Max",
}

// productModel looks up a model name for a ProductType code, matching
// original_source/idb.py's udid2product fallback of "Unknown".
func productModel(productType string) string {
	if productType == "" {
		return ""
	}
	if model, ok := productModels[productType]; ok {
		return model
	}
	return "Unknown"
}
