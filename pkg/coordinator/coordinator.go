// Package coordinator implements AgentCoordinator: consumes PresenceTracker
// events, spawns and tears down one DeviceSupervisor per udid, and
// translates supervisor status callbacks into heartbeat payloads. Grounded
// on original_source/idb.py's main() (the idevices map keyed by udid,
// spawn-on-present, stop-on-absent) and on the teacher's
// pkg/executor/parallel.go worker/queue concurrency shape, generalized from
// "N device workers pulling flow work items" to "N device supervisors
// reacting to presence events".
package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/devicelab-dev/ios-provider/pkg/config"
	"github.com/devicelab-dev/ios-provider/pkg/inventory"
	"github.com/devicelab-dev/ios-provider/pkg/logger"
	"github.com/devicelab-dev/ios-provider/pkg/portpool"
	"github.com/devicelab-dev/ios-provider/pkg/presence"
	"github.com/devicelab-dev/ios-provider/pkg/supervisor"
)

// sentinelPattern matches the known invalid-device udid artifact spec.md
// §4.9/§8 S6 describes: 18 or more leading 'f' characters.
var sentinelPattern = regexp.MustCompile(`(?i)^f{18,}`)

// isSentinel reports whether udid is the known invalid-device artifact
// that should never get a supervisor.
func isSentinel(udid string) bool {
	return sentinelPattern.MatchString(udid)
}

// HeartbeatPayload is the wire shape spec.md §6 describes:
// {udid, colding, provider, properties}.
type HeartbeatPayload struct {
	UDID       string
	Colding    bool
	Provider   *Provider
	Properties Properties
}

// Provider carries the WDA URL reported once a device reaches ready.
type Provider struct {
	WDAUrl string
}

// Properties is the heartbeat payload's device-property overlay; fields
// are omitted (left at zero value) when the originating state doesn't
// report them, matching spec.md §4.9's per-state column selection.
type Properties struct {
	Name       string
	Product    string
	Brand      string
	IP         string
	Version    string
	SDKVersion string
}

// PublishFunc sends a heartbeat payload to the control plane.
type PublishFunc func(HeartbeatPayload)

// Describer resolves device identity, matching pkg/inventory.Describe's
// signature; accepted as a function value so tests can substitute a fake
// without attached hardware.
type Describer func(udid string) inventory.Identity

// deviceSupervisor is the subset of *supervisor.Supervisor the coordinator
// depends on, narrowed to an interface so tests can substitute a fake that
// never shells out to xcodebuild/iproxy. Grounded on the same
// Commander/CmdRunner test-seam idiom pkg/tunnel uses.
type deviceSupervisor interface {
	Start(ctx context.Context)
	Stop() error
	Finished() <-chan struct{}
	PublicPort() int
	RestartProxy() error
	Healthcheck() error
}

// supervisorFactory constructs a deviceSupervisor for udid. The default,
// installed by New, wraps supervisor.New; tests substitute a fake.
type supervisorFactory func(udid string, identity supervisor.Identity, onStatus supervisor.StatusCallback) deviceSupervisor

// Coordinator owns the set of live supervisors and reacts to presence
// events, enforcing "at most one live supervisor per udid" (spec.md §3's
// SupervisorSet invariant).
type Coordinator struct {
	cfg           *config.Config
	ports         *portpool.Allocator
	lock          *supervisor.GlobalStartLock
	describe      Describer
	publish       PublishFunc
	newSupervisor supervisorFactory

	mu          sync.Mutex
	supervisors map[string]deviceSupervisor
}

// New creates a Coordinator. describe resolves DeviceIdentity for a newly
// present udid; publish is called with every heartbeat-worthy status
// transition.
func New(cfg *config.Config, ports *portpool.Allocator, describe Describer, publish PublishFunc) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		ports:       ports,
		lock:        supervisor.NewGlobalStartLock(),
		describe:    describe,
		publish:     publish,
		supervisors: make(map[string]deviceSupervisor),
	}
	c.newSupervisor = func(udid string, identity supervisor.Identity, onStatus supervisor.StatusCallback) deviceSupervisor {
		return supervisor.New(udid, identity, c.cfg, c.ports, c.lock, onStatus)
	}
	return c
}

// Run consumes events until the channel closes or ctx is cancelled,
// handling one at a time in arrival order — matching PresenceEvent's
// documented per-udid alternation, which a concurrent dispatcher could
// otherwise race.
func (c *Coordinator) Run(ctx context.Context, events <-chan presence.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.stopAll()
				return
			}
			c.handle(ctx, ev)
		case <-ctx.Done():
			c.stopAll()
			return
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev presence.Event) {
	if isSentinel(ev.UDID) {
		logger.Debug("coordinator: ignoring sentinel udid %s", ev.UDID)
		return
	}

	if ev.Present {
		c.spawn(ctx, ev.UDID)
	} else {
		c.retire(ev.UDID)
	}
}

func (c *Coordinator) spawn(ctx context.Context, udid string) {
	c.mu.Lock()
	if _, exists := c.supervisors[udid]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	identity := inventory.Identity{UDID: udid}
	if c.describe != nil {
		identity = c.describe(udid)
	}

	sv := c.newSupervisor(
		udid,
		supervisor.Identity{Name: identity.Name, Product: identity.Model},
		c.onStatus,
	)

	c.mu.Lock()
	c.supervisors[udid] = sv
	c.mu.Unlock()

	sv.Start(ctx)
}

func (c *Coordinator) retire(udid string) {
	c.mu.Lock()
	sv, exists := c.supervisors[udid]
	delete(c.supervisors, udid)
	c.mu.Unlock()

	if !exists {
		return
	}
	if err := sv.Stop(); err != nil {
		logger.Debug("coordinator: stop(%s): %v", udid, err)
	}
	<-sv.Finished()
}

func (c *Coordinator) stopAll() {
	c.mu.Lock()
	all := make([]deviceSupervisor, 0, len(c.supervisors))
	for udid, sv := range c.supervisors {
		all = append(all, sv)
		delete(c.supervisors, udid)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, sv := range all {
		wg.Add(1)
		go func(sv deviceSupervisor) {
			defer wg.Done()
			_ = sv.Stop()
			<-sv.Finished()
		}(sv)
	}
	wg.Wait()
}

// onStatus translates a supervisor status transition into a heartbeat
// payload, per spec.md §4.9's mapping table, and forwards it to publish.
func (c *Coordinator) onStatus(udid string, state supervisor.State, identity supervisor.Identity, info *supervisor.WDAInfo) {
	if c.publish == nil {
		return
	}

	payload := HeartbeatPayload{UDID: udid}

	switch state {
	case supervisor.StatePreparing:
		payload.Colding = false
		payload.Provider = nil
		payload.Properties = Properties{Name: identity.Name, Product: identity.Product, Brand: "Apple"}
	case supervisor.StateReady:
		payload.Colding = false
		wdaPort := uint16(0)
		if sv := c.supervisorFor(udid); sv != nil {
			wdaPort = uint16(sv.PublicPort())
		}
		payload.Provider = &Provider{WDAUrl: wdaURL(wdaPort)}
		if info != nil {
			payload.Properties = Properties{IP: info.IP, Version: info.Version, SDKVersion: info.SDKVersion}
		}
	case supervisor.StateFatal:
		payload.Provider = nil
	}

	c.publish(payload)
}

func (c *Coordinator) supervisorFor(udid string) deviceSupervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supervisors[udid]
}

// RestartProxy rebuilds udid's reverse proxy against a fresh public port.
// The cold-reset external-collaborator entry point spec.md §4.10 names
// (restart_wda_proxy()).
func (c *Coordinator) RestartProxy(udid string) error {
	sv := c.supervisorFor(udid)
	if sv == nil {
		return fmt.Errorf("coordinator: no active supervisor for %s", udid)
	}
	return sv.RestartProxy()
}

// Healthcheck exercises udid's WDA instance directly. The cold-reset
// external-collaborator entry point spec.md §4.10 names (wda_healthcheck()).
func (c *Coordinator) Healthcheck(udid string) error {
	sv := c.supervisorFor(udid)
	if sv == nil {
		return fmt.Errorf("coordinator: no active supervisor for %s", udid)
	}
	return sv.Healthcheck()
}

func wdaURL(port uint16) string {
	if port == 0 {
		return ""
	}
	return "http://127.0.0.1:" + strconv.Itoa(int(port))
}
