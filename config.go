package customfit

import (
	"net/http"
	"sync"
	"time"
)

// Config describes configuration options for the Client.
type Config struct {
	// ClientKey holds the key for the SDK. This parameter is
	// mandatory. It may be a JWT whose payload carries the dimension
	// id used to build the settings URL.
	ClientKey string

	// Logger is used to log information about configuration fetching,
	// telemetry and issues. If it's nil, DefaultLogger() will be used.
	Logger Logger

	// LogLevel determines the logging verbosity. The zero value means
	// LogLevelWarn.
	LogLevel LogLevel

	// LoggingEnabled turns SDK logging on. When false the SDK is
	// silent regardless of LogLevel.
	LoggingEnabled bool

	// DebugLoggingEnabled raises the effective level to at least
	// LogLevelDebug.
	DebugLoggingEnabled bool

	// APIBaseURL holds the URL of the CustomFit API server. If empty,
	// the production URL is used.
	APIBaseURL string

	// SettingsBaseURL holds the URL the SDK settings document is
	// served from. If empty, the production URL is used.
	SettingsBaseURL string

	// Transport is used as the HTTP transport for requests. If it's
	// nil, a transport honoring ConnectTimeout is built.
	Transport http.RoundTripper

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the whole request including body read.
	ReadTimeout time.Duration

	// Offline starts the SDK in offline mode: no HTTP requests are
	// made until SetOffline(false).
	Offline bool

	// Retry controls backoff for failed network operations.
	Retry RetryPolicy

	// SettingsCheckInterval is the foreground polling cadence for the
	// SDK settings document.
	SettingsCheckInterval time.Duration

	// BackgroundPollInterval is the polling cadence while the app is
	// backgrounded.
	BackgroundPollInterval time.Duration

	// ReducedPollInterval is used instead of SettingsCheckInterval
	// when the battery is low, not charging, and
	// UseReducedPollingWhenBatteryLow is set.
	ReducedPollInterval time.Duration

	// DisableBackgroundPolling pauses polling entirely while the app
	// is backgrounded.
	DisableBackgroundPolling bool

	// UseReducedPollingWhenBatteryLow switches to ReducedPollInterval
	// on low battery.
	UseReducedPollingWhenBatteryLow bool

	// EventsQueueSize is the in-memory event queue capacity. Reaching
	// it triggers an immediate flush.
	EventsQueueSize int

	// EventsFlushInterval is the periodic event flush cadence.
	EventsFlushInterval time.Duration

	// MaxStoredEvents caps how many unsent events are spilled to the
	// persistent store when flushes keep failing.
	MaxStoredEvents int

	// SummariesQueueSize is the summary queue capacity.
	SummariesQueueSize int

	// SummariesFlushInterval is the periodic summary flush cadence.
	SummariesFlushInterval time.Duration

	// Session controls session id rotation. The zero value selects
	// DefaultSessionConfig.
	Session SessionConfig

	// Store is the persistent KV store used for the config cache,
	// session state and event spill-over. If nil, StorePath selects a
	// file-backed store; if that is empty too, a volatile in-memory
	// store is used.
	Store Store

	// StorePath is the file path for the default persistent store.
	StorePath string

	// Network optionally provides connectivity hints from the host
	// platform.
	Network NetworkInfoProvider

	// AutoEnvAttributesEnabled populates the user device block with
	// runtime environment attributes.
	AutoEnvAttributesEnabled bool
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.SettingsBaseURL == "" {
		cfg.SettingsBaseURL = defaultSettingsBaseURL
	}
	if cfg.SettingsCheckInterval <= 0 {
		cfg.SettingsCheckInterval = DefaultSettingsCheckInterval
	}
	if cfg.BackgroundPollInterval <= 0 {
		cfg.BackgroundPollInterval = DefaultBackgroundPollInterval
	}
	if cfg.ReducedPollInterval <= 0 {
		cfg.ReducedPollInterval = DefaultReducedPollInterval
	}
	if cfg.EventsQueueSize <= 0 {
		cfg.EventsQueueSize = DefaultEventsQueueSize
	}
	if cfg.EventsFlushInterval <= 0 {
		cfg.EventsFlushInterval = DefaultEventsFlushInterval
	}
	if cfg.MaxStoredEvents <= 0 {
		cfg.MaxStoredEvents = DefaultMaxStoredEvents
	}
	if cfg.SummariesQueueSize <= 0 {
		cfg.SummariesQueueSize = DefaultSummariesQueueSize
	}
	if cfg.SummariesFlushInterval <= 0 {
		cfg.SummariesFlushInterval = DefaultSummariesFlushInterval
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = RetryPolicy{
			MaxAttempts:  DefaultMaxRetryAttempts,
			InitialDelay: DefaultInitialRetryDelay,
			MaxDelay:     DefaultMaxRetryDelay,
			Multiplier:   DefaultRetryMultiplier,
		}
	} else {
		cfg.Retry = cfg.Retry.withDefaults()
	}
	cfg.Session = cfg.Session.withDefaults()
	return cfg
}

func (cfg Config) validate() error {
	if cfg.ClientKey == "" {
		return newError(CategoryValidation, "client key is mandatory")
	}
	if err := cfg.Retry.validate(); err != nil {
		return err
	}
	return nil
}

// configField names used with MutableConfig change listeners.
const (
	FieldSettingsCheckInterval  = "settings_check_interval"
	FieldEventsFlushInterval    = "events_flush_interval"
	FieldSummariesFlushInterval = "summaries_flush_interval"
	FieldOffline                = "offline"
)

// MutableConfig holds the current Config snapshot and notifies
// registered listeners when a named field is replaced. Consumers read
// the fresh snapshot after a notification.
type MutableConfig struct {
	mu        sync.RWMutex
	current   Config
	nextID    int64
	listeners map[string]map[int64]func(Config)
}

func newMutableConfig(cfg Config) *MutableConfig {
	return &MutableConfig{
		current:   cfg,
		listeners: make(map[string]map[int64]func(Config)),
	}
}

// Current returns the current configuration snapshot.
func (m *MutableConfig) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update atomically replaces the configuration via mutate and
// notifies listeners registered for field.
func (m *MutableConfig) Update(field string, mutate func(*Config)) {
	m.mu.Lock()
	next := m.current
	mutate(&next)
	m.current = next
	var toNotify []func(Config)
	for _, fn := range m.listeners[field] {
		toNotify = append(toNotify, fn)
	}
	m.mu.Unlock()
	for _, fn := range toNotify {
		func() {
			defer func() { _ = recover() }()
			fn(next)
		}()
	}
}

// OnChange registers a listener for changes to the named field. The
// returned handle removes the registration.
func (m *MutableConfig) OnChange(field string, fn func(Config)) ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if m.listeners[field] == nil {
		m.listeners[field] = make(map[int64]func(Config))
	}
	m.listeners[field][id] = fn
	return ListenerHandle{id: id, key: field, kind: listenerKindConfigField}
}

func (m *MutableConfig) removeListener(h ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners[h.key], h.id)
}
