package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/devicelab-dev/ios-provider/pkg/config"
	"github.com/devicelab-dev/ios-provider/pkg/inventory"
	"github.com/devicelab-dev/ios-provider/pkg/portpool"
	"github.com/devicelab-dev/ios-provider/pkg/presence"
	"github.com/devicelab-dev/ios-provider/pkg/supervisor"
)

// newTestCoordinator wires a Coordinator whose newSupervisor factory looks
// up a pre-registered *MockdeviceSupervisor by udid, so each test controls
// exactly what its mock supervisors do without spawning real subprocesses.
func newTestCoordinator(t *testing.T) (*Coordinator, *sync.Map) {
	t.Helper()
	cfg := config.Defaults()
	ports := portpool.New(21000, 21010)
	mocks := &sync.Map{}

	c := New(cfg, ports, func(udid string) inventory.Identity {
		return inventory.Identity{UDID: udid, Name: "iPhone", Model: "iPhone14,5"}
	}, func(HeartbeatPayload) {})

	c.newSupervisor = func(udid string, identity supervisor.Identity, onStatus supervisor.StatusCallback) deviceSupervisor {
		v, ok := mocks.Load(udid)
		if !ok {
			t.Fatalf("newSupervisor called for udid %q with no mock registered", udid)
		}
		return v.(deviceSupervisor)
	}
	return c, mocks
}

// newMockSupervisor builds a MockdeviceSupervisor whose Finished() always
// returns finishedCh, left open until the test (or a Stop expectation)
// closes it.
func newMockSupervisor(ctrl *gomock.Controller) (*MockdeviceSupervisor, chan struct{}) {
	m := NewMockdeviceSupervisor(ctrl)
	finished := make(chan struct{})
	m.EXPECT().Finished().Return((<-chan struct{})(finished)).AnyTimes()
	return m, finished
}

func TestIsSentinel(t *testing.T) {
	cases := []struct {
		udid string
		want bool
	}{
		{"ffffffffffffffffff0000000000000000", true},
		{"FFFFFFFFFFFFFFFFFF0000000000000000", true},
		{"00008030-001A2D8E3440402E", false},
		{"fffffffffffffff", false}, // only 15 f's
	}
	for _, tc := range cases {
		if got := isSentinel(tc.udid); got != tc.want {
			t.Errorf("isSentinel(%q) = %v, want %v", tc.udid, got, tc.want)
		}
	}
}

func TestSpawn_CreatesSupervisorOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mocks := newTestCoordinator(t)

	m, _ := newMockSupervisor(ctrl)
	m.EXPECT().Start(gomock.Any()).Times(1)
	mocks.Store("udid-1", m)

	c.spawn(context.Background(), "udid-1")
	c.spawn(context.Background(), "udid-1") // must be a no-op; Start.Times(1) enforces this
}

func TestRetire_StopsAndAwaitsFinished(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mocks := newTestCoordinator(t)

	m, finished := newMockSupervisor(ctrl)
	m.EXPECT().Start(gomock.Any()).Times(1)
	m.EXPECT().Stop().DoAndReturn(func() error {
		close(finished)
		return nil
	}).Times(1)
	mocks.Store("udid-1", m)

	c.spawn(context.Background(), "udid-1")

	done := make(chan struct{})
	go func() {
		c.retire("udid-1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retire() did not return")
	}

	c.mu.Lock()
	_, exists := c.supervisors["udid-1"]
	c.mu.Unlock()
	if exists {
		t.Error("retired udid still present in supervisor set")
	}
}

func TestRetire_UnknownUDIDIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.retire("never-spawned") // must not block or panic
}

func TestSpawnAfterRetire_CreatesNewSupervisor(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mocks := newTestCoordinator(t)

	first, firstFinished := newMockSupervisor(ctrl)
	first.EXPECT().Start(gomock.Any()).Times(1)
	first.EXPECT().Stop().DoAndReturn(func() error {
		close(firstFinished)
		return nil
	}).Times(1)
	mocks.Store("udid-1", first)

	c.spawn(context.Background(), "udid-1")
	c.retire("udid-1")

	second, _ := newMockSupervisor(ctrl)
	second.EXPECT().Start(gomock.Any()).Times(1)
	mocks.Store("udid-1", second)

	c.spawn(context.Background(), "udid-1") // must construct a fresh supervisor, not reuse the retired one
}

func TestStopAll_DrainsAllSupervisors(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mocks := newTestCoordinator(t)

	for _, udid := range []string{"udid-1", "udid-2"} {
		m, finished := newMockSupervisor(ctrl)
		m.EXPECT().Start(gomock.Any()).Times(1)
		m.EXPECT().Stop().DoAndReturn(func() error {
			close(finished)
			return nil
		}).Times(1)
		mocks.Store(udid, m)
		c.spawn(context.Background(), udid)
	}

	done := make(chan struct{})
	go func() {
		c.stopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stopAll() did not return")
	}

	c.mu.Lock()
	remaining := len(c.supervisors)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("supervisor set has %d entries after stopAll, want 0", remaining)
	}
}

func TestRun_ChannelCloseTriggersStopAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mocks := newTestCoordinator(t)

	m, finished := newMockSupervisor(ctrl)
	m.EXPECT().Start(gomock.Any()).Times(1)
	m.EXPECT().Stop().DoAndReturn(func() error {
		close(finished)
		return nil
	}).Times(1)
	mocks.Store("udid-1", m)

	events := make(chan presence.Event)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), events)
		close(done)
	}()

	events <- presence.Event{UDID: "udid-1", Present: true}
	time.Sleep(10 * time.Millisecond)
	close(events)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after channel close")
	}
}

func TestRun_ContextCancelTriggersStopAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, mocks := newTestCoordinator(t)

	m, finished := newMockSupervisor(ctrl)
	m.EXPECT().Start(gomock.Any()).Times(1)
	m.EXPECT().Stop().DoAndReturn(func() error {
		close(finished)
		return nil
	}).Times(1)
	mocks.Store("udid-1", m)

	events := make(chan presence.Event)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx, events)
		close(done)
	}()

	events <- presence.Event{UDID: "udid-1", Present: true}
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestHandle_SentinelUDIDNeverSpawns(t *testing.T) {
	c, _ := newTestCoordinator(t)
	// newSupervisor would t.Fatal if invoked with no mock registered; a
	// sentinel udid must never reach it.
	c.handle(context.Background(), presence.Event{
		UDID:    "ffffffffffffffffff0000000000000000",
		Present: true,
	})
}

func TestOnStatus_PreparingPayload(t *testing.T) {
	var got HeartbeatPayload
	c, _ := newTestCoordinator(t)
	c.publish = func(p HeartbeatPayload) { got = p }

	c.onStatus("udid-1", supervisor.StatePreparing, supervisor.Identity{Name: "iPhone", Product: "iPhone14,5"}, nil)

	if got.UDID != "udid-1" {
		t.Errorf("UDID = %q, want udid-1", got.UDID)
	}
	if got.Provider != nil {
		t.Error("preparing payload should have nil Provider")
	}
	if got.Properties.Name != "iPhone" || got.Properties.Product != "iPhone14,5" || got.Properties.Brand != "Apple" {
		t.Errorf("Properties = %+v, want {Name:iPhone Product:iPhone14,5 Brand:Apple ...}", got.Properties)
	}
}

func TestOnStatus_ReadyPayloadIncludesProviderAndProperties(t *testing.T) {
	ctrl := gomock.NewController(t)
	var got HeartbeatPayload
	c, mocks := newTestCoordinator(t)
	c.publish = func(p HeartbeatPayload) { got = p }

	m, _ := newMockSupervisor(ctrl)
	m.EXPECT().Start(gomock.Any()).Times(1)
	m.EXPECT().PublicPort().Return(5678).AnyTimes()
	mocks.Store("udid-1", m)
	c.spawn(context.Background(), "udid-1")

	c.onStatus("udid-1", supervisor.StateReady, supervisor.Identity{Name: "iPhone"}, &supervisor.WDAInfo{
		IP: "192.168.1.5", Version: "17.2", SDKVersion: "17.2",
	})

	if got.Provider == nil {
		t.Fatal("ready payload should have non-nil Provider")
	}
	if got.Provider.WDAUrl != "http://127.0.0.1:5678" {
		t.Errorf("Provider.WDAUrl = %q, want http://127.0.0.1:5678", got.Provider.WDAUrl)
	}
	if got.Properties.IP != "192.168.1.5" || got.Properties.Version != "17.2" {
		t.Errorf("Properties = %+v", got.Properties)
	}
}

func TestOnStatus_FatalPayloadHasNilProvider(t *testing.T) {
	var got HeartbeatPayload
	c, _ := newTestCoordinator(t)
	c.publish = func(p HeartbeatPayload) { got = p }

	c.onStatus("udid-1", supervisor.StateFatal, supervisor.Identity{}, nil)

	if got.Provider != nil {
		t.Error("fatal payload should have nil Provider")
	}
}

func TestWdaURL_ZeroPortIsEmpty(t *testing.T) {
	if got := wdaURL(0); got != "" {
		t.Errorf("wdaURL(0) = %q, want empty", got)
	}
}
