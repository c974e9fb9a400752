package customfit

import (
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func newTestListenerManager(t *testing.T) (*listenerManager, *dispatchQueue) {
	t.Helper()
	dispatch := newDispatchQueue(testLeveled(t))
	t.Cleanup(dispatch.close)
	return newListenerManager(testLeveled(t), dispatch), dispatch
}

func TestListeners_RemovalByHandle(t *testing.T) {
	c := qt.New(t)
	lm, dispatch := newTestListenerManager(t)

	var mu sync.Mutex
	var kept, removed int
	lm.onFlagChange("k", func(string, interface{}, interface{}) {
		mu.Lock()
		kept++
		mu.Unlock()
	})
	h := lm.onFlagChange("k", func(string, interface{}, interface{}) {
		mu.Lock()
		removed++
		mu.Unlock()
	})
	lm.removeListener(h)

	lm.notifyFlagChanged("k", "a", "b")
	drainDispatch(dispatch)

	mu.Lock()
	c.Assert(kept, qt.Equals, 1)
	c.Assert(removed, qt.Equals, 0)
	mu.Unlock()
}

func TestListeners_ClearKeyDropsAllForThatKey(t *testing.T) {
	c := qt.New(t)
	lm, dispatch := newTestListenerManager(t)

	var mu sync.Mutex
	var aCalls, bCalls int
	lm.onFlagChange("a", func(string, interface{}, interface{}) {
		mu.Lock()
		aCalls++
		mu.Unlock()
	})
	lm.onFlagChange("b", func(string, interface{}, interface{}) {
		mu.Lock()
		bCalls++
		mu.Unlock()
	})

	lm.clearKey("a")
	lm.notifyFlagChanged("a", nil, "x")
	lm.notifyFlagChanged("b", nil, "y")
	drainDispatch(dispatch)

	mu.Lock()
	c.Assert(aCalls, qt.Equals, 0)
	c.Assert(bCalls, qt.Equals, 1)
	mu.Unlock()
}

func TestListeners_PanickingListenerDoesNotStopOthers(t *testing.T) {
	c := qt.New(t)
	lm, dispatch := newTestListenerManager(t)

	var mu sync.Mutex
	var survived bool
	lm.onAllFlagsChange(func([]string) { panic("listener bug") })
	lm.onAllFlagsChange(func([]string) {
		mu.Lock()
		survived = true
		mu.Unlock()
	})

	lm.notifyAllFlags([]string{"k"})
	drainDispatch(dispatch)

	mu.Lock()
	c.Assert(survived, qt.IsTrue)
	mu.Unlock()
}

func TestListeners_NotificationsForOneKeyStayOrdered(t *testing.T) {
	c := qt.New(t)
	lm, dispatch := newTestListenerManager(t)

	var mu sync.Mutex
	var got []interface{}
	lm.onFlagChange("k", func(_ string, _, newValue interface{}) {
		mu.Lock()
		got = append(got, newValue)
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		lm.notifyFlagChanged("k", i-1, i)
	}
	drainDispatch(dispatch)

	mu.Lock()
	defer mu.Unlock()
	c.Assert(got, qt.HasLen, 20)
	for i, v := range got {
		c.Assert(v, qt.Equals, i)
	}
}

func TestListeners_ClearAll(t *testing.T) {
	c := qt.New(t)
	lm, dispatch := newTestListenerManager(t)

	var mu sync.Mutex
	calls := 0
	count := func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	lm.onFlagChange("k", func(string, interface{}, interface{}) { count() })
	lm.onAllFlagsChange(func([]string) { count() })

	lm.clearAll()
	lm.notifyFlagChanged("k", nil, "v")
	lm.notifyAllFlags([]string{"k"})
	drainDispatch(dispatch)

	mu.Lock()
	c.Assert(calls, qt.Equals, 0)
	mu.Unlock()
}

// drainDispatch waits until every previously submitted callback ran.
func drainDispatch(q *dispatchQueue) {
	done := make(chan struct{})
	q.submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func TestAppStateMonitor_DedupAndBatteryPolicy(t *testing.T) {
	c := qt.New(t)
	dispatch := newDispatchQueue(testLeveled(t))
	t.Cleanup(dispatch.close)
	m := newAppStateMonitor(testLeveled(t), dispatch)

	var mu sync.Mutex
	var transitions []AppState
	m.onStateChange(func(state AppState) {
		mu.Lock()
		transitions = append(transitions, state)
		mu.Unlock()
	})

	m.setState(AppStateForeground) // already foreground, ignored
	m.setState(AppStateBackground)
	m.setState(AppStateBackground) // duplicate, ignored
	m.setState(AppStateForeground)
	drainDispatch(dispatch)

	mu.Lock()
	c.Assert(transitions, qt.DeepEquals, []AppState{AppStateBackground, AppStateForeground})
	mu.Unlock()

	normal, reduced := 5*time.Minute, 15*time.Minute
	c.Assert(m.pollingInterval(normal, reduced, true), qt.Equals, normal)

	m.setBattery(BatteryState{Level: 0.1, IsLow: true})
	c.Assert(m.pollingInterval(normal, reduced, true), qt.Equals, reduced)
	c.Assert(m.pollingInterval(normal, reduced, false), qt.Equals, normal)

	m.setBattery(BatteryState{Level: 0.1, IsLow: true, IsCharging: true})
	c.Assert(m.pollingInterval(normal, reduced, true), qt.Equals, normal)
}

func TestMutableConfig_UpdateNotifiesFieldListeners(t *testing.T) {
	c := qt.New(t)
	m := newMutableConfig(Config{SettingsCheckInterval: time.Minute})

	var got time.Duration
	h := m.OnChange(FieldSettingsCheckInterval, func(cfg Config) {
		got = cfg.SettingsCheckInterval
	})

	m.Update(FieldSettingsCheckInterval, func(cfg *Config) { cfg.SettingsCheckInterval = 2 * time.Minute })
	c.Assert(got, qt.Equals, 2*time.Minute)
	c.Assert(m.Current().SettingsCheckInterval, qt.Equals, 2*time.Minute)

	// Updates to other fields do not fire this listener.
	m.Update(FieldOffline, func(cfg *Config) { cfg.Offline = true })
	c.Assert(got, qt.Equals, 2*time.Minute)

	m.removeListener(h)
	m.Update(FieldSettingsCheckInterval, func(cfg *Config) { cfg.SettingsCheckInterval = time.Hour })
	c.Assert(got, qt.Equals, 2*time.Minute)
}
