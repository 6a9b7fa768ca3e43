// Package cli provides the command-line interface for the provider agent.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "0.1.0"

// ANSI color codes, used by the wda subcommand's human-facing output.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// colorsEnabled determines if ANSI colors should be used.
var colorsEnabled = true

func init() {
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise.
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config.yaml",
		EnvVars: []string{"IOS_PROVIDER_CONFIG"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"IOS_PROVIDER_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// Execute runs the CLI.
func Execute() {
	app := &cli.App{
		Name:    "provider",
		Usage:   "iOS device provider agent: discovery, WDA supervision, reverse proxy, heartbeat",
		Version: Version,
		Description: `provider runs one instance per host machine. It discovers attached
iOS devices and booted simulators, keeps a WebDriverAgent instance healthy
for each one, reverse-proxies its HTTP and MJPEG traffic, and reports
device status to a control-plane server over a persistent connection.

Examples:
  provider serve --port 7100 --server ws://control-plane:4000
  provider devices
  provider wda version`,
		Flags: GlobalFlags,
		Before: func(c *cli.Context) error {
			if c.Bool("no-ansi") {
				colorsEnabled = false
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand,
			devicesCommand,
			wdaCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
