package telemetry

import (
	"sort"
	"sync"
	"time"

	"wisefido-energy/internal/models"
)

type deviceState struct {
	event      models.TelemetryEvent
	receivedAt time.Time
}

// Tracker last known telemetry per device and its staleness
type Tracker struct {
	mu         sync.RWMutex
	staleAfter time.Duration
	devices    map[string]deviceState
}

// NewTracker devices silent for longer than staleAfter are reported stale
func NewTracker(staleAfter time.Duration) *Tracker {
	return &Tracker{
		staleAfter: staleAfter,
		devices:    make(map[string]deviceState),
	}
}

// StaleAfter configured staleness window
func (t *Tracker) StaleAfter() time.Duration {
	return t.staleAfter
}

// Observe records evt as received at receivedAt
func (t *Tracker) Observe(evt models.TelemetryEvent, receivedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.devices[evt.DeviceID]; ok && receivedAt.Before(cur.receivedAt) {
		return
	}
	t.devices[evt.DeviceID] = deviceState{event: evt, receivedAt: receivedAt}
}

// Latest last event of a device
func (t *Tracker) Latest(deviceID string) (models.TelemetryEvent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.devices[deviceID]
	return st.event, ok
}

// LastSeen receive time of the last event, zero when never seen
func (t *Tracker) LastSeen(deviceID string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.devices[deviceID].receivedAt
}

// IsStale true when the device was never seen, reported itself offline,
// or stayed silent longer than the staleness window.
func (t *Tracker) IsStale(deviceID string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.devices[deviceID]
	if !ok || !st.event.Online {
		return true
	}
	return now.Sub(st.receivedAt) > t.staleAfter
}

// Devices ids of every device ever observed, sorted
func (t *Tracker) Devices() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
