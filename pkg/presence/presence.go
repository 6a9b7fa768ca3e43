// Package presence implements PresenceTracker: a lazy, cancellable
// sequence of device present/absent events derived from successive
// DeviceInventory snapshots. Grounded on original_source/idb.py's
// Tracker/track_devices (the backs/gones diff, the 1s tick, and
// list_devices() offloaded via @run_on_executor so the blocking call never
// stalls the event loop), translated into a goroutine producing on a
// channel, with each snapshot's listing call itself run on its own
// goroutine so ctx cancellation is observed even mid-listing.
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/devicelab-dev/ios-provider/pkg/inventory"
)

// Event is a PresenceEvent: for a given udid, events strictly alternate
// starting with Present=true.
type Event struct {
	Present bool
	UDID    string
}

const defaultInterval = time.Second

// Tracker maintains the last-seen device set and emits the diff against
// each new listing.
type Tracker struct {
	list     func() map[string]bool
	interval time.Duration
}

// New creates a Tracker backed by inventory.List.
func New() *Tracker {
	return newTracker(inventory.List, defaultInterval)
}

// NewWithLister creates a Tracker backed by a custom listing function,
// useful for composing with an inventory source other than the default
// physical+simulator one.
func NewWithLister(list func() map[string]bool) *Tracker {
	return newTracker(list, defaultInterval)
}

func newTracker(list func() map[string]bool, interval time.Duration) *Tracker {
	return &Tracker{
		list:     list,
		interval: interval,
	}
}

// Track returns a channel of Events derived from polling list() once per
// tick. The sequence is infinite until ctx is cancelled, at which point the
// channel is closed; cancellation is cooperative and honored between
// individual event emissions, never mid-emission.
func (t *Tracker) Track(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go t.run(ctx, out)
	return out
}

func (t *Tracker) run(ctx context.Context, out chan<- Event) {
	defer close(out)

	lasts := make(map[string]bool)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		currs, ok := t.snapshot(ctx)
		if !ok {
			return
		}

		backs := setDiff(currs, lasts)
		gones := setDiff(lasts, currs)
		lasts = currs

		for _, udid := range backs {
			if !t.emit(ctx, out, Event{Present: true, UDID: udid}) {
				return
			}
		}
		for _, udid := range gones {
			if !t.emit(ctx, out, Event{Present: false, UDID: udid}) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// snapshot runs the (possibly USB-blocking) listing call on its own
// goroutine, mirroring the original's @run_on_executor offload, and returns
// false if ctx is cancelled before the call completes — a slow simctl or
// usbmux enumeration can otherwise make Track unresponsive to cancellation
// for the duration of the call.
func (t *Tracker) snapshot(ctx context.Context) (map[string]bool, bool) {
	result := make(chan map[string]bool, 1)
	go func() {
		currs := t.list()
		if currs == nil {
			currs = make(map[string]bool)
		}
		result <- currs
	}()

	select {
	case currs := <-result:
		return currs, true
	case <-ctx.Done():
		return nil, false
	}
}

func (t *Tracker) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// setDiff returns the udids present in a but not in b, sorted for
// deterministic ordering within a tick.
func setDiff(a, b map[string]bool) []string {
	var diff []string
	for udid := range a {
		if !b[udid] {
			diff = append(diff, udid)
		}
	}
	sort.Strings(diff)
	return diff
}
