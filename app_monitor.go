package customfit

import (
	"sync"
	"time"
)

// AppState is the coarse application lifecycle state reported by the
// host platform.
type AppState int

const (
	AppStateForeground AppState = iota
	AppStateBackground
)

func (s AppState) String() string {
	if s == AppStateBackground {
		return "background"
	}
	return "foreground"
}

// BatteryState is the battery snapshot reported by the host platform.
type BatteryState struct {
	// Level is the charge in [0, 1]. Negative when unknown.
	Level      float64
	IsLow      bool
	IsCharging bool
}

// AppStateListener observes foreground/background transitions.
type AppStateListener func(AppState)

// BatteryListener observes battery updates.
type BatteryListener func(BatteryState)

// appStateMonitor receives lifecycle and battery signals from the
// platform glue and fans them out to the config manager and session
// manager. Hosts that never call the setters leave the SDK in
// foreground mode with an unknown, healthy battery.
type appStateMonitor struct {
	logger   *leveledLogger
	dispatch *dispatchQueue

	mu               sync.RWMutex
	state            AppState
	battery          BatteryState
	nextID           int64
	stateListeners   map[int64]AppStateListener
	batteryListeners map[int64]BatteryListener
}

func newAppStateMonitor(logger *leveledLogger, dispatch *dispatchQueue) *appStateMonitor {
	return &appStateMonitor{
		logger:           logger,
		dispatch:         dispatch,
		battery:          BatteryState{Level: -1},
		stateListeners:   make(map[int64]AppStateListener),
		batteryListeners: make(map[int64]BatteryListener),
	}
}

func (m *appStateMonitor) currentState() AppState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *appStateMonitor) currentBattery() BatteryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.battery
}

// setState records a lifecycle transition and notifies listeners.
// Duplicate transitions are ignored.
func (m *appStateMonitor) setState(state AppState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	listeners := make([]AppStateListener, 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	m.logger.Debugf("app state changed to %v", state)
	for _, fn := range listeners {
		fn := fn
		m.dispatch.submit(func() { fn(state) })
	}
}

// setBattery records a battery update and notifies listeners.
func (m *appStateMonitor) setBattery(battery BatteryState) {
	m.mu.Lock()
	m.battery = battery
	listeners := make([]BatteryListener, 0, len(m.batteryListeners))
	for _, fn := range m.batteryListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn := fn
		m.dispatch.submit(func() { fn(battery) })
	}
}

func (m *appStateMonitor) onStateChange(fn AppStateListener) ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.stateListeners[id] = fn
	return ListenerHandle{id: id, kind: listenerKindAppState}
}

func (m *appStateMonitor) onBatteryChange(fn BatteryListener) ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.batteryListeners[id] = fn
	return ListenerHandle{id: id, kind: listenerKindBattery}
}

func (m *appStateMonitor) removeListener(h ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch h.kind {
	case listenerKindAppState:
		delete(m.stateListeners, h.id)
	case listenerKindBattery:
		delete(m.batteryListeners, h.id)
	}
}

// pollingInterval picks the effective polling cadence: reduced applies
// only on a low, discharging battery when the caller opted in.
func (m *appStateMonitor) pollingInterval(normal, reduced time.Duration, useReducedWhenLow bool) time.Duration {
	m.mu.RLock()
	battery := m.battery
	m.mu.RUnlock()
	if useReducedWhenLow && battery.IsLow && !battery.IsCharging {
		return reduced
	}
	return normal
}
