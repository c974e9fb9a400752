package customfit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ConnectionStatus describes the SDK's view of its link to the
// evaluation service.
type ConnectionStatus int

const (
	ConnectionDisconnected ConnectionStatus = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionError
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionConnected:
		return "CONNECTED"
	case ConnectionConnecting:
		return "CONNECTING"
	case ConnectionError:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

// NetworkInfoProvider is implemented by platform glue that can report
// connectivity details. It is optional.
type NetworkInfoProvider interface {
	// NetworkType reports the transport in use, e.g. "wifi" or
	// "cellular". Empty when unknown.
	NetworkType() string
	// IsOnline reports whether the platform believes it has
	// connectivity.
	IsOnline() bool
}

// ConnectionInfo is the full connection state handed to listeners.
type ConnectionInfo struct {
	Status          ConnectionStatus
	NetworkType     string
	OfflineMode     bool
	LastError       string
	LastSuccessAt   time.Time
	FailureCount    int
	NextReconnectAt time.Time
}

// ConnectionListener observes connection state changes.
type ConnectionListener func(ConnectionInfo)

// connectionMonitor tracks online/offline state and fans out changes.
// Offline mode set here short-circuits the HTTP client and fetcher.
type connectionMonitor struct {
	logger   *leveledLogger
	provider NetworkInfoProvider
	dispatch *dispatchQueue
	clock    clock.Clock

	mu        sync.RWMutex
	info      ConnectionInfo
	nextID    int64
	listeners map[int64]ConnectionListener
}

func newConnectionMonitor(logger *leveledLogger, provider NetworkInfoProvider, dispatch *dispatchQueue, offline bool, clk clock.Clock) *connectionMonitor {
	info := ConnectionInfo{
		Status:      ConnectionConnecting,
		OfflineMode: offline,
	}
	if offline {
		info.Status = ConnectionDisconnected
	}
	if provider != nil {
		info.NetworkType = provider.NetworkType()
	}
	return &connectionMonitor{
		logger:    logger,
		provider:  provider,
		dispatch:  dispatch,
		clock:     clk,
		info:      info,
		listeners: make(map[int64]ConnectionListener),
	}
}

// isOffline reports whether network traffic is currently forbidden,
// either by explicit offline mode or by the platform provider.
func (m *connectionMonitor) isOffline() bool {
	m.mu.RLock()
	offline := m.info.OfflineMode
	m.mu.RUnlock()
	if offline {
		return true
	}
	if m.provider != nil && !m.provider.IsOnline() {
		return true
	}
	return false
}

func (m *connectionMonitor) setOfflineMode(offline bool) {
	m.mu.Lock()
	if m.info.OfflineMode == offline {
		m.mu.Unlock()
		return
	}
	m.info.OfflineMode = offline
	if offline {
		m.info.Status = ConnectionDisconnected
	} else {
		m.info.Status = ConnectionConnecting
	}
	m.mu.Unlock()
	if offline {
		m.logger.Infof("offline mode enabled, suspending network activity")
	} else {
		m.logger.Infof("offline mode disabled, resuming network activity")
	}
	m.notify()
}

// recordSuccess marks the connection healthy after a completed
// round-trip.
func (m *connectionMonitor) recordSuccess() {
	m.mu.Lock()
	changed := m.info.Status != ConnectionConnected || m.info.FailureCount != 0
	m.info.Status = ConnectionConnected
	m.info.LastError = ""
	m.info.FailureCount = 0
	m.info.LastSuccessAt = m.clock.Now()
	m.info.NextReconnectAt = time.Time{}
	if m.provider != nil {
		m.info.NetworkType = m.provider.NetworkType()
	}
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

// recordFailure marks the connection degraded; nextAttempt hints when
// the next reconnect will happen.
func (m *connectionMonitor) recordFailure(err error, nextAttempt time.Time) {
	m.mu.Lock()
	m.info.Status = ConnectionError
	if err != nil {
		m.info.LastError = err.Error()
	}
	m.info.FailureCount++
	m.info.NextReconnectAt = nextAttempt
	m.mu.Unlock()
	m.notify()
}

// current returns a snapshot of the connection state.
func (m *connectionMonitor) current() ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

func (m *connectionMonitor) subscribe(fn ConnectionListener) ListenerHandle {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	info := m.info
	m.mu.Unlock()
	// New subscribers immediately receive the current state.
	m.dispatch.submit(func() { fn(info) })
	return ListenerHandle{id: id, kind: listenerKindConnection}
}

func (m *connectionMonitor) unsubscribe(h ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, h.id)
}

func (m *connectionMonitor) notify() {
	m.mu.RLock()
	info := m.info
	listeners := make([]ConnectionListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn := fn
		m.dispatch.submit(func() { fn(info) })
	}
}
