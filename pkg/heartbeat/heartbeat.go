// Package heartbeat implements the persistent control-plane connection
// DeviceSupervisor/AgentCoordinator status transitions are reported over
// (spec.md §4.10/§6). The original Python agent never implemented a real
// transport for this (original_source/main.py is a bare cookie-secret
// Tornado app); this package fills the gap in the teacher's idiom using a
// websocket client with exponential-backoff reconnect, grounded on the
// teacher's pkg/tunnel Commander/CmdRunner seam for the connection itself
// and on original_source/utils.py's update_recursive for per-device
// property accumulation before each frame is sent.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/devicelab-dev/ios-provider/pkg/coordinator"
	"github.com/devicelab-dev/ios-provider/pkg/logger"
	"github.com/devicelab-dev/ios-provider/pkg/merge"
)

// discoveryService is the mDNS service type the control plane advertises
// when --server is omitted.
const discoveryService = "_ios-provider._tcp"

const (
	writeQueueSize   = 256
	discoveryTimeout = 5 * time.Second
)

// wsConn is the subset of *websocket.Conn the client depends on, narrowed
// to an interface so tests can substitute an in-memory fake instead of
// dialing a real server.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// dialFunc abstracts connection establishment for testing.
type dialFunc func(ctx context.Context, url, secret string) (wsConn, error)

func defaultDial(ctx context.Context, url, secret string) (wsConn, error) {
	header := http.Header{}
	if secret != "" {
		header.Set("Cookie", "secret="+secret)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client is a persistent heartbeat connection to the control plane. It
// accumulates per-udid device properties across Publish calls (preparing
// reports name/product/brand, ready later adds ip/version/sdkVersion) so
// the frame sent on the wire always carries everything known so far about
// that device, matching spec.md §4.10's device_update recursive-merge
// contract.
type Client struct {
	serverAddr string
	secret     string
	sessionID  uuid.UUID
	dial       dialFunc

	mu      sync.Mutex
	state   map[string]map[string]interface{} // udid -> accumulated properties
	stopped bool
	stopCh  chan struct{}

	outbox chan []byte
}

// New creates a heartbeat Client. serverAddr may be empty, in which case
// Run attempts mDNS discovery of the control plane before connecting.
func New(serverAddr, secret string) *Client {
	return &Client{
		serverAddr: serverAddr,
		secret:     secret,
		sessionID:  uuid.New(),
		dial:       defaultDial,
		state:      make(map[string]map[string]interface{}),
		stopCh:     make(chan struct{}),
		outbox:     make(chan []byte, writeQueueSize),
	}
}

// Publish implements coordinator.PublishFunc: it merges payload's
// properties into the udid's accumulated state and enqueues the resulting
// frame for the write pump. Non-blocking: if the outbox is full (the
// connection is down and not draining), the frame is dropped and logged,
// matching spec.md §7's treatment of control-plane trouble as
// non-fatal to the supervisor.
func (c *Client) Publish(payload coordinator.HeartbeatPayload) {
	frame := c.buildFrame(payload)
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("heartbeat: marshal frame for %s: %v", payload.UDID, err)
		return
	}

	select {
	case c.outbox <- data:
	default:
		logger.Warn("heartbeat: outbox full, dropping update for %s", payload.UDID)
	}
}

func (c *Client) buildFrame(payload coordinator.HeartbeatPayload) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := merge.Recursive(c.state[payload.UDID], propertiesToMap(payload.Properties))
	c.state[payload.UDID] = merged

	frame := map[string]interface{}{
		"udid":       payload.UDID,
		"colding":    payload.Colding,
		"properties": merged,
	}
	if payload.Provider != nil {
		frame["provider"] = map[string]interface{}{"wdaUrl": payload.Provider.WDAUrl}
	} else {
		frame["provider"] = nil
	}
	return frame
}

func propertiesToMap(p coordinator.Properties) map[string]interface{} {
	m := make(map[string]interface{}, 6)
	if p.Name != "" {
		m["name"] = p.Name
	}
	if p.Product != "" {
		m["product"] = p.Product
	}
	if p.Brand != "" {
		m["brand"] = p.Brand
	}
	if p.IP != "" {
		m["ip"] = p.IP
	}
	if p.Version != "" {
		m["version"] = p.Version
	}
	if p.SDKVersion != "" {
		m["sdkVersion"] = p.SDKVersion
	}
	return m
}

// Run connects to the control plane and drains the outbox until ctx is
// cancelled or Stop is called, reconnecting with exponential backoff on
// any connection or write failure. It returns only when the connection is
// permanently done (ctx cancelled or Stop called).
func (c *Client) Run(ctx context.Context) error {
	b := newReconnectBackoff()

	for {
		if c.isStopped() || ctx.Err() != nil {
			return ctx.Err()
		}

		addr, err := c.resolveAddr(ctx)
		if err != nil {
			logger.Warn("heartbeat: server discovery failed: %v", err)
			if !c.sleep(ctx, b.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		conn, err := c.dial(ctx, addr, c.secret)
		if err != nil {
			logger.Warn("heartbeat: connect to %s failed: %v", addr, err)
			if !c.sleep(ctx, b.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		logger.Info("heartbeat: connected to %s (session %s)", addr, c.sessionID)
		b.Reset()
		c.pump(ctx, conn)
		_ = conn.Close()
	}
}

// pump drains the outbox onto conn and discards inbound frames (the
// cold-reset/app-install surfaces are separate HTTP handlers per spec.md
// §4.10, not carried over this connection) until ctx is done, Stop is
// called, or the connection fails.
func (c *Client) pump(ctx context.Context, conn wsConn) {
	readErrCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErrCh <- err
				return
			}
		}
	}()

	for {
		select {
		case data := <-c.outbox:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("heartbeat: write failed: %v", err)
				return
			}
		case err := <-readErrCh:
			logger.Warn("heartbeat: connection read failed: %v", err)
			return
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) resolveAddr(ctx context.Context) (string, error) {
	if c.serverAddr != "" {
		return c.serverAddr, nil
	}
	return c.discover(ctx)
}

// discover resolves the control-plane address via mDNS when --server is
// omitted, per SPEC_FULL.md's optional zeroconf discovery wiring.
func (c *Client) discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("heartbeat: mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	discCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	if err := resolver.Browse(discCtx, discoveryService, "local.", entries); err != nil {
		return "", fmt.Errorf("heartbeat: mdns browse: %w", err)
	}

	select {
	case entry := <-entries:
		if entry == nil || len(entry.AddrIPv4) == 0 {
			return "", fmt.Errorf("heartbeat: mdns entry missing an address")
		}
		return fmt.Sprintf("ws://%s:%d", entry.AddrIPv4[0], entry.Port), nil
	case <-discCtx.Done():
		return "", fmt.Errorf("heartbeat: mdns discovery timed out")
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Client) isStopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Stop ends Run's reconnect loop. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the agent should never give up on the control plane
	return b
}
