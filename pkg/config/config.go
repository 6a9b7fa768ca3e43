// Package config handles configuration for the provider agent.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WDAMode selects how WDARunner launches WebDriverAgent for a device.
type WDAMode string

const (
	WDAModeBuiltinBuild   WDAMode = "build"  // xcodebuild build-for-testing/test-without-building
	WDAModeExternalHelper WDAMode = "tmq"    // shell out to an external xctest helper binary
	WDAModeManual         WDAMode = "manual" // assume WDA is already running, start nothing
)

// Config represents the provider agent configuration (config.yaml).
type Config struct {
	// Agent identity / control plane
	Server string `yaml:"server"` // control-plane heartbeat server address, e.g. ws://host:port
	Secret string `yaml:"secret"` // shared cookie secret for the control plane

	// HTTP surface
	Port  int  `yaml:"port"`  // agent's own listen port (cold-reset HTTP server), 0 = auto
	Debug bool `yaml:"debug"` // verbose logging

	// WDA launch
	WDAMode       WDAMode `yaml:"wdaMode"`       // build | tmq | manual
	WDAHelperPath string  `yaml:"wdaHelperPath"` // path to external xctest helper, required for tmq mode
	WDABundleID   string  `yaml:"wdaBundleId"`   // WebDriverAgentRunner bundle identifier
	TeamID        string  `yaml:"teamId"`        // Apple developer team ID for code signing

	// Port allocation
	PortRangeStart int `yaml:"portRangeStart"` // lowest port PortAllocator may hand out
	PortRangeEnd   int `yaml:"portRangeEnd"`   // highest port PortAllocator may hand out

	// Supervisor tuning
	MaxFailedLaunches int `yaml:"maxFailedLaunches"` // restart budget before a supervisor goes fatal
	HealthPollSeconds int `yaml:"healthPollSeconds"` // ready-state healthcheck interval
}

// Defaults returns a Config with the provider agent's documented defaults
// applied, matching spec.md's stated constants (4 failed launches, 60s
// health poll).
func Defaults() *Config {
	return &Config{
		Port:              0,
		WDAMode:           WDAModeBuiltinBuild,
		PortRangeStart:    8100,
		PortRangeEnd:      8900,
		MaxFailedLaunches: 4,
		HealthPollSeconds: 60,
	}
}

// Load loads configuration from a file, starting from Defaults().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	return Defaults(), nil
}
