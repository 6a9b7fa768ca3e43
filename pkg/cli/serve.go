package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/ios-provider/pkg/config"
	"github.com/devicelab-dev/ios-provider/pkg/coordinator"
	"github.com/devicelab-dev/ios-provider/pkg/heartbeat"
	"github.com/devicelab-dev/ios-provider/pkg/inventory"
	"github.com/devicelab-dev/ios-provider/pkg/logger"
	"github.com/devicelab-dev/ios-provider/pkg/portpool"
	"github.com/devicelab-dev/ios-provider/pkg/presence"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the provider agent: discover devices, supervise WDA, report to the control plane",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "port",
			Usage: "Base port for this agent's own HTTP surface (0 = auto)",
		},
		&cli.StringFlag{
			Name:  "server",
			Usage: "Control-plane heartbeat server address, e.g. ws://host:4000",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Verbose logging",
		},
	},
	Action: runServe,
}

func runServe(c *cli.Context) error {
	cfg, err := loadServeConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(config.GetCacheDir(), 0755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	if err := logger.Init(serveLogPath()); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	logger.Info("provider serve starting: server=%s portRange=%d-%d wdaMode=%s",
		cfg.Server, cfg.PortRangeStart, cfg.PortRangeEnd, cfg.WDAMode)

	hb := heartbeat.New(cfg.Server, cfg.Secret)
	ports := portpool.New(cfg.PortRangeStart, cfg.PortRangeEnd)

	coord := coordinator.New(cfg, ports, inventory.Describe, hb.Publish)

	coldReset := newColdResetServer(coord)
	boundPort, err := coldReset.Start(cfg.Port)
	if err != nil {
		return fmt.Errorf("starting cold-reset server: %w", err)
	}
	logger.Info("provider serve: cold-reset server listening on 127.0.0.1:%d", boundPort)
	defer coldReset.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("provider serve: signal received, shutting down")
		cancel()
	}()

	go func() {
		if err := hb.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("heartbeat: %v", err)
		}
	}()

	tracker := presence.New()
	events := tracker.Track(ctx)

	coord.Run(ctx, events)
	hb.Stop()

	logger.Info("provider serve: stopped")
	return nil
}

func loadServeConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDir(config.GetHome())
	}
	if err != nil {
		return nil, err
	}

	if port := c.Int("port"); port != 0 {
		cfg.Port = port
	}
	if server := c.String("server"); server != "" {
		cfg.Server = server
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	if secret := os.Getenv("SECRET"); secret != "" {
		cfg.Secret = secret
	}
	if os.Getenv("TMQ") != "" {
		cfg.WDAMode = config.WDAModeExternalHelper
	}

	return cfg, nil
}

func serveLogPath() string {
	return filepath.Join(config.GetCacheDir(), "provider.log")
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List attached iOS devices and booted simulators",
	Action: func(c *cli.Context) error {
		udids := inventory.List()
		if len(udids) == 0 {
			fmt.Println("No devices found")
			return nil
		}

		sorted := make([]string, 0, len(udids))
		for udid := range udids {
			sorted = append(sorted, udid)
		}
		sort.Strings(sorted)

		for _, udid := range sorted {
			identity := inventory.Describe(udid)
			kind := "physical"
			if identity.Simulator {
				kind = "simulator"
			}
			fmt.Printf("%s  %-20s %-16s %s\n", udid, identity.Name, identity.Model, kind)
		}
		return nil
	},
}
