package customfit

import (
	"sync"
)

const (
	listenerKindFlag = iota
	listenerKindAllFlags
	listenerKindConnection
	listenerKindSession
	listenerKindAppState
	listenerKindBattery
	listenerKindConfigField
)

// ListenerHandle is the opaque registration token returned by every
// subscribe operation. Removal goes through the handle; callback
// identity is never compared.
type ListenerHandle struct {
	id   int64
	key  string
	kind int
}

// FlagChangeListener observes a single flag's variation changing.
// oldValue is nil when the key is newly added, newValue is nil when it
// was removed.
type FlagChangeListener func(key string, oldValue, newValue interface{})

// AllFlagsListener observes every applied config diff with the list of
// changed keys.
type AllFlagsListener func(changedKeys []string)

// dispatchQueue runs listener callbacks on a dedicated goroutine so
// they can never block the poll loop. Panics in callbacks are caught
// and logged. Submissions for a given key stay in order because there
// is a single consumer draining a FIFO channel.
type dispatchQueue struct {
	logger *leveledLogger
	ch     chan func()
	done   chan struct{}
	once   sync.Once
}

func newDispatchQueue(logger *leveledLogger) *dispatchQueue {
	q := &dispatchQueue{
		logger: logger,
		ch:     make(chan func(), 1024),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *dispatchQueue) run() {
	defer close(q.done)
	for fn := range q.ch {
		q.invoke(fn)
	}
}

func (q *dispatchQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("listener callback panicked: %v", r)
		}
	}()
	fn()
}

// submit enqueues a callback. When the queue is saturated the callback
// is dropped with a log line rather than blocking the caller.
func (q *dispatchQueue) submit(fn func()) {
	select {
	case q.ch <- fn:
	default:
		q.logger.Warnf("listener dispatch queue full, dropping notification")
	}
}

// close stops the queue after draining pending callbacks.
func (q *dispatchQueue) close() {
	q.once.Do(func() {
		close(q.ch)
	})
	<-q.done
}

// listenerManager holds the per-key flag listeners and the global
// all-flags listeners. The registries are read-mostly; registration
// takes a short write lock.
type listenerManager struct {
	logger   *leveledLogger
	dispatch *dispatchQueue

	mu            sync.RWMutex
	nextID        int64
	flagListeners map[string]map[int64]FlagChangeListener
	allFlags      map[int64]AllFlagsListener
}

func newListenerManager(logger *leveledLogger, dispatch *dispatchQueue) *listenerManager {
	return &listenerManager{
		logger:        logger,
		dispatch:      dispatch,
		flagListeners: make(map[string]map[int64]FlagChangeListener),
		allFlags:      make(map[int64]AllFlagsListener),
	}
}

// onFlagChange registers a listener for one flag key.
func (lm *listenerManager) onFlagChange(key string, fn FlagChangeListener) ListenerHandle {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.nextID++
	id := lm.nextID
	if lm.flagListeners[key] == nil {
		lm.flagListeners[key] = make(map[int64]FlagChangeListener)
	}
	lm.flagListeners[key][id] = fn
	return ListenerHandle{id: id, key: key, kind: listenerKindFlag}
}

// onAllFlagsChange registers a listener receiving changed key lists.
func (lm *listenerManager) onAllFlagsChange(fn AllFlagsListener) ListenerHandle {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.nextID++
	id := lm.nextID
	lm.allFlags[id] = fn
	return ListenerHandle{id: id, kind: listenerKindAllFlags}
}

func (lm *listenerManager) removeListener(h ListenerHandle) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	switch h.kind {
	case listenerKindFlag:
		if m := lm.flagListeners[h.key]; m != nil {
			delete(m, h.id)
			if len(m) == 0 {
				delete(lm.flagListeners, h.key)
			}
		}
	case listenerKindAllFlags:
		delete(lm.allFlags, h.id)
	}
}

// clearKey drops every listener registered for a flag key.
func (lm *listenerManager) clearKey(key string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.flagListeners, key)
}

// clearAll drops every registration.
func (lm *listenerManager) clearAll() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.flagListeners = make(map[string]map[int64]FlagChangeListener)
	lm.allFlags = make(map[int64]AllFlagsListener)
}

// notifyFlagChanged fans out one key's old/new variation pair.
func (lm *listenerManager) notifyFlagChanged(key string, oldValue, newValue interface{}) {
	lm.mu.RLock()
	listeners := make([]FlagChangeListener, 0, len(lm.flagListeners[key]))
	for _, fn := range lm.flagListeners[key] {
		listeners = append(listeners, fn)
	}
	lm.mu.RUnlock()
	for _, fn := range listeners {
		fn := fn
		lm.dispatch.submit(func() { fn(key, oldValue, newValue) })
	}
}

// notifyAllFlags fans out the changed key list of one applied diff.
func (lm *listenerManager) notifyAllFlags(changedKeys []string) {
	lm.mu.RLock()
	listeners := make([]AllFlagsListener, 0, len(lm.allFlags))
	for _, fn := range lm.allFlags {
		listeners = append(listeners, fn)
	}
	lm.mu.RUnlock()
	for _, fn := range listeners {
		fn := fn
		lm.dispatch.submit(func() { fn(changedKeys) })
	}
}

// OnTypedFlagChange adapts a typed callback to a FlagChangeListener:
// values that do not satisfy T arrive as the zero value with ok=false.
func OnTypedFlagChange[T any](c *Client, key string, fn func(oldValue, newValue T)) ListenerHandle {
	return c.OnFlagChange(key, func(_ string, oldValue, newValue interface{}) {
		oldT, _ := coerceValue[T](oldValue)
		newT, _ := coerceValue[T](newValue)
		fn(oldT, newT)
	})
}
