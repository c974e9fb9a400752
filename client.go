// Package customfit contains the Go SDK of CustomFit (https://customfit.ai).
package customfit

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Client is the SDK facade: it keeps local flag values fresh, records
// evaluation and event telemetry, and reacts to app lifecycle,
// battery and connectivity signals.
type Client struct {
	cfg        *MutableConfig
	logger     *leveledLogger
	clock      clock.Clock
	store      Store
	ownsStore  bool
	dispatch   *dispatchQueue
	http       *httpClient
	breakers   *breakerRegistry
	connection *connectionMonitor
	appState   *appStateMonitor
	listeners  *listenerManager
	fetcher    *configFetcher
	cache      *configCache
	summaries  *summaryManager
	events     *eventTracker
	sessions   *sessionManager
	configMgr  *configManager

	userMu sync.RWMutex
	user   User

	ready  chan struct{}
	closed atomic.Bool
}

var (
	singletonMu   sync.Mutex
	singleton     *Client
	singletonInit chan struct{}
	singletonErr  error
)

// Initialize creates (or returns) the process-wide Client. Concurrent
// callers receive the same instance; when an instance already exists
// the given config and user are ignored with a warning.
func Initialize(cfg Config, user User) (*Client, error) {
	singletonMu.Lock()
	if singleton != nil {
		inst := singleton
		singletonMu.Unlock()
		inst.logger.Warnf("client already initialized, ignoring the provided config and user")
		return inst, nil
	}
	if singletonInit != nil {
		wait := singletonInit
		singletonMu.Unlock()
		<-wait
		singletonMu.Lock()
		inst, err := singleton, singletonErr
		singletonMu.Unlock()
		return inst, err
	}
	singletonInit = make(chan struct{})
	done := singletonInit
	singletonMu.Unlock()

	inst, err := NewDetachedClient(cfg, user)

	singletonMu.Lock()
	singleton, singletonErr = inst, err
	singletonInit = nil
	close(done)
	singletonMu.Unlock()
	return inst, err
}

// GetInstance returns the singleton, or nil when Initialize has not
// completed successfully.
func GetInstance() *Client {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return singleton
}

// IsInitialized reports whether the singleton exists.
func IsInitialized() bool {
	return GetInstance() != nil
}

// IsInitializing reports whether a first-time Initialize is running.
func IsInitializing() bool {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return singletonInit != nil
}

// Shutdown closes and forgets the singleton.
func Shutdown() {
	singletonMu.Lock()
	inst := singleton
	singleton = nil
	singletonErr = nil
	singletonMu.Unlock()
	if inst != nil {
		inst.Close()
	}
}

// Reinitialize shuts the current singleton down and initializes a
// fresh one with the given config and user.
func Reinitialize(cfg Config, user User) (*Client, error) {
	Shutdown()
	return Initialize(cfg, user)
}

// NewDetachedClient builds a Client outside the singleton, mainly for
// tests and for hosts embedding several environments.
func NewDetachedClient(cfg Config, user User) (*Client, error) {
	return newClient(cfg, user, clock.New())
}

func newClient(cfg Config, user User, clk clock.Clock) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := newLeveledLogger(&cfg)

	store := cfg.Store
	ownsStore := false
	if store == nil {
		if cfg.StorePath != "" {
			var err error
			store, err = NewBoltStore(cfg.StorePath)
			if err != nil {
				return nil, err
			}
			ownsStore = true
		} else {
			logger.Warnf("no store configured, using a volatile in-memory store")
			store = NewMemoryStore()
		}
	}

	dispatch := newDispatchQueue(logger)
	connection := newConnectionMonitor(logger, cfg.Network, dispatch, cfg.Offline, clk)
	appState := newAppStateMonitor(logger, dispatch)
	listeners := newListenerManager(logger, dispatch)
	httpClient := newHTTPClient(cfg, logger, connection.isOffline)
	breakers := newBreakerRegistry(logger, defaultBreakerFailureThreshold, defaultBreakerCooldown)
	fetcher := newConfigFetcher(cfg, logger, httpClient, breakers, connection, clk)
	cache := newConfigCache(store, clk, logger)
	mutable := newMutableConfig(cfg)
	summaries := newSummaryManager(mutable, logger, fetcher, clk)
	events := newEventTracker(mutable, logger, fetcher, summaries, store, clk)
	sessions := newSessionManager(cfg.Session, store, clk, logger, dispatch)

	c := &Client{
		cfg:        mutable,
		logger:     logger,
		clock:      clk,
		store:      store,
		ownsStore:  ownsStore,
		dispatch:   dispatch,
		http:       httpClient,
		breakers:   breakers,
		connection: connection,
		appState:   appState,
		listeners:  listeners,
		fetcher:    fetcher,
		cache:      cache,
		summaries:  summaries,
		events:     events,
		sessions:   sessions,
		user:       user,
		ready:      make(chan struct{}),
	}
	c.configMgr = newConfigManager(mutable, logger, fetcher, cache, listeners, appState, connection, clk, c.userPayload)

	if err := sessions.initialize(context.Background()); err != nil {
		logger.Errorf("session initialization failed: %v", err)
	}
	c.applySession(sessions.sessionID())
	events.setCustomerID(user.CustomerID())
	summaries.setCustomerID(user.CustomerID())
	sessions.onRotation(func(oldID, newID string, reason RotationReason) {
		c.applySession(newID)
		c.events.track(EventTypeTrack, map[string]interface{}{
			"event_name":      "cf_session_rotated",
			"rotation_reason": string(reason),
			"old_session_id":  oldID,
			"new_session_id":  newID,
		})
	})

	appState.onStateChange(func(state AppState) {
		if state == AppStateBackground {
			sessions.onAppBackground(context.Background())
		} else {
			sessions.onAppForeground(context.Background())
		}
	})

	mutable.OnChange(FieldSettingsCheckInterval, func(Config) { c.configMgr.poke() })
	mutable.OnChange(FieldEventsFlushInterval, func(Config) { c.events.poke() })
	mutable.OnChange(FieldSummariesFlushInterval, func(Config) { c.summaries.poke() })

	c.configMgr.start()
	c.summaries.start()
	c.events.start()

	if cfg.Offline {
		close(c.ready)
	} else {
		// The initial check must not block or fail construction.
		go func() {
			defer close(c.ready)
			ctx, cancel := context.WithTimeout(context.Background(), initialCheckTimeout)
			defer cancel()
			if err := c.configMgr.checkSettings(ctx, false); err != nil {
				logger.Warnf("initial settings check failed: %v", err)
			}
		}()
	}
	return c, nil
}

func (c *Client) applySession(sessionID string) {
	c.events.setSession(sessionID)
	c.summaries.setSession(sessionID)
}

func (c *Client) userPayload() userPayload {
	c.userMu.RLock()
	user := c.user
	c.userMu.RUnlock()
	return user.payload(c.cfg.Current().AutoEnvAttributesEnabled)
}

// Ready closes once the initial settings check has completed (with
// success, failure, or its wall-clock timeout) or immediately when
// offline.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Close shuts down the client. After closing, it shouldn't be used.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.configMgr.close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := c.summaries.flush(ctx); err != nil {
		c.logger.Warnf("final summary flush failed: %v", err)
	}
	c.summaries.close()
	c.events.close(ctx)

	c.listeners.clearAll()
	c.dispatch.close()
	if c.ownsStore {
		if closer, ok := c.store.(io.Closer); ok {
			closer.Close()
		}
	}
	c.logger.Infof("client closed")
}

// GetFeatureFlag returns the variation for key, or defaultValue when
// the SDK is disabled, the key is unknown, or the client is closed.
// Successful reads record an exposure summary.
func (c *Client) GetFeatureFlag(key string, defaultValue interface{}) interface{} {
	value, ok := c.configMgr.flagValue(key)
	if !ok {
		return defaultValue
	}
	c.recordSummary(key, value)
	return value.Variation
}

// GetFlag is the typed read path. The stored variation must satisfy T
// (whole JSON numbers satisfy integer types), otherwise defaultValue
// is returned and no summary is recorded.
func GetFlag[T any](c *Client, key string, defaultValue T) T {
	value, ok := c.configMgr.flagValue(key)
	if !ok {
		return defaultValue
	}
	typed, ok := coerceValue[T](value.Variation)
	if !ok {
		c.logger.Errorf("flag %q holds %T, which does not satisfy the requested type; returning the default", key, value.Variation)
		return defaultValue
	}
	c.recordSummary(key, value)
	return typed
}

// GetBoolFlag is like GetFeatureFlag for boolean-typed flags.
func (c *Client) GetBoolFlag(key string, defaultValue bool) bool {
	return GetFlag(c, key, defaultValue)
}

// GetStringFlag is like GetFeatureFlag for string-typed flags.
func (c *Client) GetStringFlag(key string, defaultValue string) string {
	return GetFlag(c, key, defaultValue)
}

// GetIntFlag is like GetFeatureFlag for whole-number flags.
func (c *Client) GetIntFlag(key string, defaultValue int) int {
	return GetFlag(c, key, defaultValue)
}

// GetFloatFlag is like GetFeatureFlag for decimal-number flags.
func (c *Client) GetFloatFlag(key string, defaultValue float64) float64 {
	return GetFlag(c, key, defaultValue)
}

// GetAllFlags returns every known key and variation, or an empty map
// while the SDK is disabled remotely.
func (c *Client) GetAllFlags() map[string]interface{} {
	return c.configMgr.allFlags()
}

func (c *Client) recordSummary(key string, value ConfigValue) {
	if err := c.summaries.track(key, value); err != nil {
		c.logger.Debugf("cannot record summary for %q: %v", key, err)
	}
}

// TrackEvent queues a telemetry event. A nil error means queued, not
// transmitted.
func (c *Client) TrackEvent(eventType EventType, properties map[string]interface{}) error {
	if c.closed.Load() {
		return newError(CategoryState, "client is closed")
	}
	return c.events.track(eventType, properties)
}

// SetUserAttribute sets one property on the current user.
func (c *Client) SetUserAttribute(key string, value interface{}) {
	c.userMu.Lock()
	c.user = c.user.WithProperty(key, value)
	c.userMu.Unlock()
}

// SetUserAttributes merges the given properties into the current user.
func (c *Client) SetUserAttributes(values map[string]interface{}) {
	c.userMu.Lock()
	c.user = c.user.WithProperties(values)
	c.userMu.Unlock()
}

// AddContext appends an evaluation context to the current user.
func (c *Client) AddContext(ec EvaluationContext) {
	c.userMu.Lock()
	c.user = c.user.WithContext(ec)
	c.userMu.Unlock()
}

// RemoveContext removes the matching evaluation context.
func (c *Client) RemoveContext(contextType ContextType, key string) {
	c.userMu.Lock()
	c.user = c.user.WithoutContext(contextType, key)
	c.userMu.Unlock()
}

// CurrentUser returns the user snapshot.
func (c *Client) CurrentUser() User {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.user
}

// SetOfflineMode toggles offline mode; while offline no HTTP requests
// are initiated.
func (c *Client) SetOfflineMode(offline bool) {
	c.connection.setOfflineMode(offline)
	c.cfg.Update(FieldOffline, func(cfg *Config) { cfg.Offline = offline })
	if !offline {
		go c.configMgr.checkSettings(context.Background(), false)
	}
}

// SetOffline configures the SDK to not initiate HTTP requests.
func (c *Client) SetOffline() { c.SetOfflineMode(true) }

// SetOnline configures the SDK to allow HTTP requests.
func (c *Client) SetOnline() { c.SetOfflineMode(false) }

// IsOffline reports whether the SDK is configured to not initiate
// HTTP requests.
func (c *Client) IsOffline() bool {
	return c.connection.current().OfflineMode
}

// ForceRefresh drops the stored validators and refetches settings and
// configs. It fails when the server stays unreachable through all
// retries.
func (c *Client) ForceRefresh(ctx context.Context) error {
	return c.configMgr.forceRefresh(ctx)
}

// ConnectionInfo returns the current connection state.
func (c *Client) ConnectionInfo() ConnectionInfo {
	return c.connection.current()
}

// UpdateSettingsCheckInterval replaces the foreground polling cadence.
func (c *Client) UpdateSettingsCheckInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.cfg.Update(FieldSettingsCheckInterval, func(cfg *Config) { cfg.SettingsCheckInterval = interval })
}

// UpdateEventsFlushInterval replaces the events flush cadence.
func (c *Client) UpdateEventsFlushInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.cfg.Update(FieldEventsFlushInterval, func(cfg *Config) { cfg.EventsFlushInterval = interval })
}

// UpdateSummariesFlushInterval replaces the summaries flush cadence.
func (c *Client) UpdateSummariesFlushInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.cfg.Update(FieldSummariesFlushInterval, func(cfg *Config) { cfg.SummariesFlushInterval = interval })
}

// FlushEvents pushes queued summaries and events out immediately.
func (c *Client) FlushEvents(ctx context.Context) error {
	return c.events.flush(ctx)
}

// FlushSummaries pushes queued summaries out immediately.
func (c *Client) FlushSummaries(ctx context.Context) error {
	return c.summaries.flush(ctx)
}

// CurrentSessionID returns the active session id.
func (c *Client) CurrentSessionID() string {
	return c.sessions.sessionID()
}

// ForceSessionRotation rotates the session unconditionally and returns
// the new session id.
func (c *Client) ForceSessionRotation() string {
	return c.sessions.forceRotation(context.Background())
}

// OnAppForeground tells the SDK the app returned to the foreground.
// The config manager performs an immediate settings check.
func (c *Client) OnAppForeground() {
	c.appState.setState(AppStateForeground)
}

// OnAppBackground tells the SDK the app left the foreground.
func (c *Client) OnAppBackground() {
	c.appState.setState(AppStateBackground)
}

// SetBatteryState feeds a battery snapshot from the platform.
func (c *Client) SetBatteryState(battery BatteryState) {
	c.appState.setBattery(battery)
}

// OnAuthenticationChange tells the SDK the signed-in user changed; the
// session rotates when configured to and telemetry switches to the new
// customer id.
func (c *Client) OnAuthenticationChange(customerID string) {
	c.userMu.Lock()
	c.user = c.user.WithCustomerID(customerID)
	c.userMu.Unlock()
	c.events.setCustomerID(customerID)
	c.summaries.setCustomerID(customerID)
	c.sessions.onAuthChange(context.Background())
}

// OnFlagChange registers a listener for one flag key.
func (c *Client) OnFlagChange(key string, fn FlagChangeListener) ListenerHandle {
	return c.listeners.onFlagChange(key, fn)
}

// OnAllFlagsChange registers a listener receiving changed key lists.
func (c *Client) OnAllFlagsChange(fn AllFlagsListener) ListenerHandle {
	return c.listeners.onAllFlagsChange(fn)
}

// OnConnectionChange registers a connection status listener; it
// immediately receives the current state.
func (c *Client) OnConnectionChange(fn ConnectionListener) ListenerHandle {
	return c.connection.subscribe(fn)
}

// OnSessionRotation registers a session rotation listener.
func (c *Client) OnSessionRotation(fn SessionRotationListener) ListenerHandle {
	return c.sessions.onRotation(fn)
}

// RemoveListener unregisters any listener by its handle.
func (c *Client) RemoveListener(h ListenerHandle) {
	switch h.kind {
	case listenerKindFlag, listenerKindAllFlags:
		c.listeners.removeListener(h)
	case listenerKindConnection:
		c.connection.unsubscribe(h)
	case listenerKindSession:
		c.sessions.removeListener(h)
	case listenerKindAppState, listenerKindBattery:
		c.appState.removeListener(h)
	case listenerKindConfigField:
		c.cfg.removeListener(h)
	}
}

// ClearFlagListeners drops every listener registered for a flag key.
func (c *Client) ClearFlagListeners(key string) {
	c.listeners.clearKey(key)
}
