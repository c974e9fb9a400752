package customfit

import "time"

const version = "1.2.0"

const (
	sdkType = "go-client"

	defaultAPIBaseURL      = "https://api.customfit.ai"
	defaultSettingsBaseURL = "https://sdk.customfit.ai"

	userConfigsPath = "/v1/users/configs"
	eventsPath      = "/v1/cfe"
	summariesPath   = "/v1/summaries"
)

// Defaults applied during client construction when the corresponding
// Config field is left zero.
const (
	DefaultSettingsCheckInterval  = 5 * time.Minute
	DefaultBackgroundPollInterval = 30 * time.Minute
	DefaultReducedPollInterval    = 15 * time.Minute

	DefaultEventsQueueSize     = 100
	DefaultEventsFlushInterval = 30 * time.Second
	DefaultMaxStoredEvents     = 100

	DefaultSummariesQueueSize     = 100
	DefaultSummariesFlushInterval = 60 * time.Second

	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 15 * time.Second

	DefaultMaxRetryAttempts  = 3
	DefaultInitialRetryDelay = 1 * time.Second
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultRetryMultiplier   = 2.0

	defaultBreakerFailureThreshold = 5
	defaultBreakerCooldown         = 30 * time.Second

	// Wall-clock cap on the initial settings check performed during
	// client construction. The check keeps running in the background
	// if it overruns, but Ready is closed at the deadline.
	initialCheckTimeout = 10 * time.Second

	// Grace period granted to in-flight flushes during shutdown.
	shutdownGracePeriod = 5 * time.Second
)

// Session rotation defaults.
const (
	DefaultMaxSessionDuration  = time.Hour
	DefaultMinSessionDuration  = 5 * time.Minute
	DefaultBackgroundThreshold = 15 * time.Minute
	DefaultSessionIDPrefix     = "cf_session"
)

// Keys used in the persistent store.
const (
	storeKeySession             = "current_session"
	storeKeyLastAppStart        = "last_app_start"
	storeKeyBackgroundTimestamp = "background_timestamp"
	storeKeyConfigCache         = "config_cache_blob"
	storeKeyEventSpillPrefix    = "event_spill_"
)
