package customfit

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/blang/semver/v4"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/singleflight"
)

// configState is the atomically-swapped snapshot flag reads see.
// Reads never take a lock; apply replaces the whole pointer.
type configState struct {
	configs    ConfigMap
	sdkEnabled bool
}

// configManager owns the settings poll loop: it checks the remote
// settings document with conditional requests, gates on the remote
// kill-switches, fetches user configs when the validators move, diffs
// the result against the current map and notifies listeners.
type configManager struct {
	cfg        *MutableConfig
	fetcher    *configFetcher
	cache      *configCache
	listeners  *listenerManager
	appState   *appStateMonitor
	connection *connectionMonitor
	clock      clock.Clock
	logger     *leveledLogger
	user       func() userPayload

	state atomic.Value // *configState

	// checkMu enforces at most one settings check in flight; the
	// poll-loop path gives up immediately when it's taken, forced
	// refreshes wait. group collapses concurrent forced refreshes
	// onto a single in-flight check.
	checkMu sync.Mutex
	group   singleflight.Group

	metaMu   sync.Mutex
	meta     SettingsMetadata
	settings *SdkSettings

	cacheLoaded chan struct{}
	loadOnce    sync.Once

	ctx       context.Context
	ctxCancel func()
	wake      chan struct{}
	wg        sync.WaitGroup
}

func newConfigManager(
	cfg *MutableConfig,
	logger *leveledLogger,
	fetcher *configFetcher,
	cache *configCache,
	listeners *listenerManager,
	appState *appStateMonitor,
	connection *connectionMonitor,
	clk clock.Clock,
	user func() userPayload,
) *configManager {
	cm := &configManager{
		cfg:         cfg,
		fetcher:     fetcher,
		cache:       cache,
		listeners:   listeners,
		appState:    appState,
		connection:  connection,
		clock:       clk,
		logger:      logger,
		user:        user,
		cacheLoaded: make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}
	cm.ctx, cm.ctxCancel = context.WithCancel(context.Background())
	cm.state.Store(&configState{configs: ConfigMap{}, sdkEnabled: true})
	return cm
}

// start hydrates from the cache and launches the poll loop.
func (cm *configManager) start() {
	cm.hydrate()
	cm.appState.onStateChange(func(state AppState) {
		if state == AppStateForeground {
			// Immediate check on resume; the timer is re-armed with
			// the foreground cadence by the wake signal.
			go cm.checkSettings(cm.ctx, false)
		}
		cm.poke()
	})
	cm.wg.Add(1)
	go cm.run()
}

func (cm *configManager) close() {
	cm.ctxCancel()
	cm.wg.Wait()
}

func (cm *configManager) poke() {
	select {
	case cm.wake <- struct{}{}:
	default:
	}
}

// hydrate seeds the config map from the persisted cache so flag reads
// work before the first server response.
func (cm *configManager) hydrate() {
	cm.loadOnce.Do(func() {
		defer close(cm.cacheLoaded)
		blob, found, refresh := cm.cache.load(cm.ctx)
		if !found {
			return
		}
		cm.metaMu.Lock()
		cm.meta = SettingsMetadata{LastModified: blob.LastModified, ETag: blob.ETag}
		cm.metaMu.Unlock()
		prev := cm.currentState()
		cm.state.Store(&configState{configs: blob.Configs, sdkEnabled: prev.sdkEnabled})
		cm.logger.Infof("hydrated %d flags from cache", len(blob.Configs))
		if refresh && !cm.connection.isOffline() {
			go cm.checkSettings(cm.ctx, false)
		}
	})
}

func (cm *configManager) currentState() *configState {
	return cm.state.Load().(*configState)
}

func (cm *configManager) run() {
	defer cm.wg.Done()
	timer := cm.clock.Timer(cm.effectiveInterval())
	defer timer.Stop()
	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-cm.wake:
		case <-timer.C:
			if cm.shouldPoll() {
				if err := cm.checkSettings(cm.ctx, false); err != nil {
					cm.logger.Errorf("cannot refresh configuration: %v", err)
				}
			}
		}
		timer.Stop()
		timer = cm.clock.Timer(cm.effectiveInterval())
	}
}

// shouldPoll reports whether the periodic tick may run at all.
// Backgrounded apps with background polling disabled stay quiet.
func (cm *configManager) shouldPoll() bool {
	if cm.connection.isOffline() {
		return false
	}
	cfg := cm.cfg.Current()
	if cm.appState.currentState() == AppStateBackground && cfg.DisableBackgroundPolling {
		return false
	}
	return true
}

// effectiveInterval picks the polling cadence from the app state and
// battery condition.
func (cm *configManager) effectiveInterval() time.Duration {
	cfg := cm.cfg.Current()
	if cm.appState.currentState() == AppStateBackground {
		return cfg.BackgroundPollInterval
	}
	return cm.appState.pollingInterval(
		cfg.SettingsCheckInterval,
		cfg.ReducedPollInterval,
		cfg.UseReducedPollingWhenBatteryLow,
	)
}

// forceRefresh clears the stored validators and performs a check that
// is guaranteed to GET. Concurrent forced refreshes collapse onto one
// in-flight check and share its result.
func (cm *configManager) forceRefresh(ctx context.Context) error {
	_, err, _ := cm.group.Do("force_refresh", func() (interface{}, error) {
		cm.metaMu.Lock()
		cm.meta = SettingsMetadata{}
		cm.metaMu.Unlock()
		return nil, cm.checkSettings(ctx, true)
	})
	return err
}

// checkSettings performs one settings check. At most one check is in
// flight per manager: forced checks wait for the mutex, periodic ones
// return immediately when it's taken.
func (cm *configManager) checkSettings(ctx context.Context, force bool) error {
	if cm.connection.isOffline() {
		if force {
			return newError(CategoryNetwork, "client is in offline mode, it cannot initiate HTTP calls")
		}
		return nil
	}
	if force {
		cm.checkMu.Lock()
	} else if !cm.checkMu.TryLock() {
		return nil
	}
	defer cm.checkMu.Unlock()

	headRes := cm.fetcher.headSettingsMetadata(ctx)
	if headRes.err != nil {
		return headRes.err
	}
	newMeta := headRes.value

	cm.metaMu.Lock()
	prevMeta := cm.meta
	haveSettings := cm.settings != nil
	cm.metaMu.Unlock()

	changed := !newMeta.equal(prevMeta)

	if !haveSettings || changed {
		settingsRes := cm.fetcher.getSettings(ctx)
		if settingsRes.err != nil {
			return settingsRes.err
		}
		settings := settingsRes.value.settings
		cm.metaMu.Lock()
		cm.settings = &settings
		cm.metaMu.Unlock()
		cm.setEnabled(cm.evaluateEnabled(settings))
	}

	if changed {
		if cm.currentState().sdkEnabled {
			res := cm.fetcher.postUserConfigs(ctx, cm.user(), prevMeta)
			if res.err != nil {
				return res.err
			}
			if !res.value.notModified {
				cm.apply(ctx, res.value.configs, newMeta)
			}
		}
		// Validators advance even while the SDK is disabled so a
		// later enable does not refetch unchanged data.
		cm.metaMu.Lock()
		cm.meta = newMeta
		cm.metaMu.Unlock()
		if err := cm.cache.save(ctx, cm.currentState().configs, newMeta); err != nil {
			cm.logger.Errorf("failed to save configuration to cache: %v", err)
		}
	}
	return nil
}

// evaluateEnabled folds the remote kill-switches and the minimum SDK
// version gate into one flag.
func (cm *configManager) evaluateEnabled(settings SdkSettings) bool {
	if !settings.AccountEnabled || settings.SkipSdk {
		return false
	}
	if settings.MinSdkVersion != "" {
		min, err := semver.ParseTolerant(settings.MinSdkVersion)
		if err != nil {
			cm.logger.Warnf("unparseable cf_min_sdk_version %q, ignoring", settings.MinSdkVersion)
			return true
		}
		own, err := semver.ParseTolerant(version)
		if err != nil {
			return true
		}
		if own.LT(min) {
			cm.logger.Warnf("SDK version %s is below the required minimum %s, disabling", version, settings.MinSdkVersion)
			return false
		}
	}
	return true
}

// setEnabled swaps the gate. Re-enabling re-fires listeners for every
// known key so consumers recover from the served-defaults period.
func (cm *configManager) setEnabled(enabled bool) {
	prev := cm.currentState()
	if prev.sdkEnabled == enabled {
		return
	}
	cm.state.Store(&configState{configs: prev.configs, sdkEnabled: enabled})
	if !enabled {
		cm.logger.Warnf("SDK disabled by remote settings, flag reads serve defaults")
		return
	}
	cm.logger.Infof("SDK re-enabled by remote settings")
	keys := make([]string, 0, len(prev.configs))
	for key := range prev.configs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cm.listeners.notifyFlagChanged(key, nil, prev.configs[key].Variation)
	}
	if len(keys) > 0 {
		cm.listeners.notifyAllFlags(keys)
	}
}

// apply replaces the config map with newConfigs, computes the diff
// against the previous map and notifies listeners for every changed
// key. The map swap is copy-on-write; readers are never blocked.
func (cm *configManager) apply(ctx context.Context, newConfigs ConfigMap, meta SettingsMetadata) {
	if newConfigs == nil {
		newConfigs = ConfigMap{}
	}
	prev := cm.currentState()
	changedKeys := diffConfigs(prev.configs, newConfigs)
	cm.state.Store(&configState{configs: newConfigs, sdkEnabled: prev.sdkEnabled})
	for _, key := range changedKeys {
		var oldValue, newValue interface{}
		if old, ok := prev.configs[key]; ok {
			oldValue = old.Variation
		}
		if cur, ok := newConfigs[key]; ok {
			newValue = cur.Variation
		}
		cm.listeners.notifyFlagChanged(key, oldValue, newValue)
	}
	if len(changedKeys) > 0 {
		cm.logger.Infof("configuration updated, %d keys changed", len(changedKeys))
		cm.listeners.notifyAllFlags(changedKeys)
	}
	if err := cm.cache.save(ctx, newConfigs, meta); err != nil {
		cm.logger.Errorf("failed to save configuration to cache: %v", err)
	}
}

// diffConfigs returns the sorted keys whose variation differs between
// the two maps, including additions and removals. Variations are
// compared by deep equality.
func diffConfigs(oldConfigs, newConfigs ConfigMap) []string {
	var changed []string
	for key, oldValue := range oldConfigs {
		newValue, ok := newConfigs[key]
		if !ok || !cmp.Equal(oldValue.Variation, newValue.Variation) {
			changed = append(changed, key)
		}
	}
	for key := range newConfigs {
		if _, ok := oldConfigs[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

// flagValue is the lock-free read path. The second result is false
// when the SDK is disabled or the key is unknown; no summary must be
// recorded in either case.
func (cm *configManager) flagValue(key string) (ConfigValue, bool) {
	state := cm.currentState()
	if !state.sdkEnabled {
		return ConfigValue{}, false
	}
	value, ok := state.configs[key]
	return value, ok
}

// allFlags returns a copy of every known variation, or an empty map
// while the SDK is disabled.
func (cm *configManager) allFlags() map[string]interface{} {
	state := cm.currentState()
	out := make(map[string]interface{})
	if !state.sdkEnabled {
		return out
	}
	for key, value := range state.configs {
		out[key] = value.Variation
	}
	return out
}

// coerceValue adapts a JSON-decoded variation to the requested type.
// Whole float64 values satisfy integer requests since encoding/json
// decodes every number as float64.
func coerceValue[T any](v interface{}) (T, bool) {
	var zero T
	if v == nil {
		return zero, false
	}
	if t, ok := v.(T); ok {
		return t, true
	}
	switch any(zero).(type) {
	case int:
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			return any(int(f)).(T), true
		}
	case int64:
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			return any(int64(f)).(T), true
		}
	case float64:
		switch n := v.(type) {
		case int:
			return any(float64(n)).(T), true
		case int64:
			return any(float64(n)).(T), true
		}
	}
	return zero, false
}
