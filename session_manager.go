package customfit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// SessionRotationListener observes session id replacements.
type SessionRotationListener func(oldSessionID, newSessionID string, reason RotationReason)

// sessionManager owns the session id lifecycle. Every transition runs
// under one mutex and is persisted to the store before the mutex is
// released, so rotations are totally ordered and survive restarts.
type sessionManager struct {
	cfg      SessionConfig
	store    Store
	clock    clock.Clock
	logger   *leveledLogger
	dispatch *dispatchQueue

	mu           sync.Mutex
	current      SessionData
	backgroundAt int64
	backgrounded bool

	initOnce sync.Once
	initErr  error

	nextID    int64
	listeners map[int64]SessionRotationListener
}

func newSessionManager(cfg SessionConfig, store Store, clk clock.Clock, logger *leveledLogger, dispatch *dispatchQueue) *sessionManager {
	return &sessionManager{
		cfg:       cfg.withDefaults(),
		store:     store,
		clock:     clk,
		logger:    logger,
		dispatch:  dispatch,
		listeners: make(map[int64]SessionRotationListener),
	}
}

// initialize performs the cold-start transition exactly once;
// concurrent callers share the first outcome.
func (sm *sessionManager) initialize(ctx context.Context) error {
	sm.initOnce.Do(func() {
		sm.initErr = sm.coldStart(ctx)
	})
	return sm.initErr
}

func (sm *sessionManager) coldStart(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := sm.clock.Now().UnixMilli()

	lastAppStart := sm.readInt(ctx, storeKeyLastAppStart)
	stored, hasStored := sm.readSession(ctx)

	switch {
	case lastAppStart > 0 && now-lastAppStart > sm.cfg.MinSessionDurationMs && !sm.cfg.DisableAppRestartRotation:
		sm.rotateLocked(ctx, RotationAppStart, now)
	case hasStored && sm.isValid(stored, now):
		stored.LastActiveAt = now
		sm.current = stored
		sm.persistLocked(ctx)
		sm.logger.Debugf("restored session %s", stored.SessionID)
	default:
		sm.rotateLocked(ctx, RotationAppStart, now)
	}

	if err := sm.store.Set(ctx, storeKeyLastAppStart, strconv.FormatInt(now, 10)); err != nil {
		return err
	}
	return nil
}

// isValid reports whether a persisted session may be resumed.
func (sm *sessionManager) isValid(data SessionData, now int64) bool {
	if data.SessionID == "" || !strings.HasPrefix(data.SessionID, sm.cfg.SessionIDPrefix+"_") {
		return false
	}
	age := now - data.CreatedAt
	inactive := now - data.LastActiveAt
	return age < sm.cfg.MaxSessionDurationMs && inactive < sm.cfg.BackgroundThresholdMs
}

// sessionID returns the current session id with a short lock.
func (sm *sessionManager) sessionID() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current.SessionID
}

func (sm *sessionManager) currentSession() SessionData {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// updateActivity touches the session, rotating first if the maximum
// session age was exceeded.
func (sm *sessionManager) updateActivity(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := sm.clock.Now().UnixMilli()
	if !sm.cfg.DisableTimeBasedRotation && now-sm.current.CreatedAt >= sm.cfg.MaxSessionDurationMs {
		sm.rotateLocked(ctx, RotationMaxDurationExceeded, now)
		return
	}
	sm.current.LastActiveAt = now
	sm.persistLocked(ctx)
}

// onAppBackground records when the app left the foreground.
func (sm *sessionManager) onAppBackground(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := sm.clock.Now().UnixMilli()
	sm.backgroundAt = now
	sm.backgrounded = true
	if err := sm.store.Set(ctx, storeKeyBackgroundTimestamp, strconv.FormatInt(now, 10)); err != nil {
		sm.logger.Errorf("cannot persist background timestamp: %v", err)
	}
}

// onAppForeground rotates when the app stayed backgrounded past the
// threshold, otherwise counts as activity.
func (sm *sessionManager) onAppForeground(ctx context.Context) {
	sm.mu.Lock()
	now := sm.clock.Now().UnixMilli()
	wasBackgrounded := sm.backgrounded
	backgroundFor := now - sm.backgroundAt
	sm.backgrounded = false
	sm.store.Remove(ctx, storeKeyBackgroundTimestamp)
	if wasBackgrounded && backgroundFor > sm.cfg.BackgroundThresholdMs {
		sm.rotateLocked(ctx, RotationBackgroundTimeout, now)
		sm.mu.Unlock()
		return
	}
	sm.mu.Unlock()
	sm.updateActivity(ctx)
}

// onAuthChange rotates on authentication changes when configured to.
func (sm *sessionManager) onAuthChange(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cfg.DisableAuthRotation {
		return
	}
	sm.rotateLocked(ctx, RotationAuthChange, sm.clock.Now().UnixMilli())
}

// forceRotation unconditionally replaces the session id.
func (sm *sessionManager) forceRotation(ctx context.Context) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.rotateLocked(ctx, RotationManual, sm.clock.Now().UnixMilli())
	return sm.current.SessionID
}

// rotateLocked replaces the session and notifies listeners. The store
// write happens before the mutex is released. Callers hold sm.mu.
func (sm *sessionManager) rotateLocked(ctx context.Context, reason RotationReason, now int64) {
	oldID := sm.current.SessionID
	newID := sm.newSessionID(now)
	sm.current = SessionData{
		SessionID:      newID,
		CreatedAt:      now,
		LastActiveAt:   now,
		AppStartTime:   now,
		RotationReason: reason,
	}
	sm.persistLocked(ctx)
	sm.logger.Infof("session rotated (%s): %s -> %s", reason, oldID, newID)
	for _, fn := range sm.listeners {
		fn := fn
		sm.dispatch.submit(func() { fn(oldID, newID, reason) })
	}
}

func (sm *sessionManager) persistLocked(ctx context.Context) {
	data, err := json.Marshal(sm.current)
	if err != nil {
		sm.logger.Errorf("cannot serialize session: %v", err)
		return
	}
	if err := sm.store.Set(ctx, storeKeySession, string(data)); err != nil {
		sm.logger.Errorf("cannot persist session: %v", err)
	}
}

// newSessionID builds "{prefix}_{unix_ms}_{8 base36 chars}".
func (sm *sessionManager) newSessionID(now int64) string {
	return fmt.Sprintf("%s_%d_%s", sm.cfg.SessionIDPrefix, now, randomBase36(8))
}

func (sm *sessionManager) onRotation(fn SessionRotationListener) ListenerHandle {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.nextID++
	id := sm.nextID
	sm.listeners[id] = fn
	return ListenerHandle{id: id, kind: listenerKindSession}
}

func (sm *sessionManager) removeListener(h ListenerHandle) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.listeners, h.id)
}

func (sm *sessionManager) readSession(ctx context.Context) (SessionData, bool) {
	raw, found, err := sm.store.Get(ctx, storeKeySession)
	if err != nil || !found {
		return SessionData{}, false
	}
	var data SessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		sm.logger.Errorf("stored session is invalid: %v", err)
		return SessionData{}, false
	}
	return data, true
}

func (sm *sessionManager) readInt(ctx context.Context, key string) int64 {
	raw, found, err := sm.store.Get(ctx, key)
	if err != nil || !found {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// randomBase36 derives n base36 characters from a fresh UUID.
func randomBase36(n int) string {
	id := uuid.New()
	var v big.Int
	v.SetBytes(id[:])
	s := v.Text(36)
	for len(s) < n {
		s = "0" + s
	}
	return s[len(s)-n:]
}
