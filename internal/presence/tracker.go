package presence

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/WatchBeam/clock"
	"go.uber.org/zap"
)

// Tracker is pure connectivity bookkeeping: it derives per-device
// online/offline state from heartbeats and explicit transport signals.
// No job semantics live here.
type Tracker struct {
	clock  clock.Clock
	window time.Duration
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[string]*deviceState
	subs    []chan types.PresenceEvent
}

type deviceState struct {
	presence types.Presence
	seq      uint64
	lastSeen time.Time
}

func NewTracker(clk clock.Clock, window time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		clock:   clk,
		window:  window,
		logger:  logger,
		devices: make(map[string]*deviceState),
	}
}

// Subscribe returns a feed of presence-change events. Events are
// dropped for slow consumers rather than blocking the tracker.
func (t *Tracker) Subscribe() <-chan types.PresenceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan types.PresenceEvent, 256)
	t.subs = append(t.subs, ch)
	return ch
}

// MarkOnline records an online signal. Duplicate signals are no-ops;
// signals whose sequence number is older than the latest one seen for
// the device are discarded as out-of-order.
func (t *Tracker) MarkOnline(deviceID string, seq uint64) {
	t.apply(deviceID, types.PresenceOnline, seq)
}

func (t *Tracker) MarkOffline(deviceID string, seq uint64) {
	t.apply(deviceID, types.PresenceOffline, seq)
}

// Heartbeat is an online signal that also refreshes the staleness
// window.
func (t *Tracker) Heartbeat(deviceID string, seq uint64) {
	t.apply(deviceID, types.PresenceOnline, seq)
}

func (t *Tracker) apply(deviceID string, presence types.Presence, seq uint64) {
	t.mu.Lock()

	now := t.clock.Now()
	state, ok := t.devices[deviceID]
	if !ok {
		state = &deviceState{presence: types.PresenceOffline}
		t.devices[deviceID] = state
	}

	if seq < state.seq {
		latest := state.seq
		t.mu.Unlock()
		t.logger.Debug("Discarding stale presence signal",
			zap.String("device_id", deviceID),
			zap.Uint64("seq", seq),
			zap.Uint64("latest_seq", latest))
		return
	}
	if presence == types.PresenceOffline {
		// Going offline ends the device session. Sequence numbers are
		// monotonic per session, so the baseline resets with it and a
		// rebooted device restarting at seq 1 is accepted.
		state.seq = 0
	} else {
		state.seq = seq
		state.lastSeen = now
	}

	if state.presence == presence {
		t.mu.Unlock()
		return
	}
	state.presence = presence

	event := types.PresenceEvent{
		DeviceID: deviceID,
		Presence: presence,
		Seq:      seq,
		At:       now,
	}
	t.mu.Unlock()

	t.logger.Info("Device presence changed",
		zap.String("device_id", deviceID),
		zap.String("presence", string(presence)))

	t.publish(event)
}

func (t *Tracker) publish(event types.PresenceEvent) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, ch := range t.subs {
		select {
		case ch <- event:
		default:
			t.logger.Warn("Presence subscriber buffer full, event dropped",
				zap.String("device_id", event.DeviceID))
		}
	}
}

// ForceOffline marks a device offline at its current sequence number.
// Used when a delivery publish finds no subscriber on the device's
// topic, which means the transport-level session is gone.
func (t *Tracker) ForceOffline(deviceID string) {
	t.mu.RLock()
	var seq uint64
	if state, ok := t.devices[deviceID]; ok {
		seq = state.seq
	}
	t.mu.RUnlock()

	t.apply(deviceID, types.PresenceOffline, seq)
}

func (t *Tracker) IsOnline(deviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.devices[deviceID]
	return ok && state.presence == types.PresenceOnline
}

// LastSeen returns the time of the last online signal for the device.
func (t *Tracker) LastSeen(deviceID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.devices[deviceID]
	if !ok || state.lastSeen.IsZero() {
		return time.Time{}, false
	}
	return state.lastSeen, true
}

// Run sweeps for devices whose heartbeat went stale and marks them
// offline. The sweep interval is a quarter of the staleness window.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.window / 4
	if interval <= 0 {
		interval = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(interval):
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := t.clock.Now()

	t.mu.Lock()
	var events []types.PresenceEvent
	for deviceID, state := range t.devices {
		if state.presence != types.PresenceOnline {
			continue
		}
		if now.Sub(state.lastSeen) < t.window {
			continue
		}
		state.presence = types.PresenceOffline
		events = append(events, types.PresenceEvent{
			DeviceID: deviceID,
			Presence: types.PresenceOffline,
			Seq:      state.seq,
			At:       now,
		})
		state.seq = 0
	}
	t.mu.Unlock()

	for _, event := range events {
		t.logger.Info("Device heartbeat stale, marking offline",
			zap.String("device_id", event.DeviceID))
		t.publish(event)
	}
}
