package customfit

// ConfigValue is the server-evaluated record for a single flag key.
// Variation is the value handed back to the application.
type ConfigValue struct {
	Variation    interface{} `json:"variation"`
	ExperienceID string      `json:"experience_id,omitempty"`
	ConfigID     string      `json:"config_id,omitempty"`
	RuleID       string      `json:"rule_id,omitempty"`
	VariationID  string      `json:"variation_id,omitempty"`
	Version      int64       `json:"version,omitempty"`
}

// ConfigMap maps flag key to its evaluated value. It is replaced
// wholesale on every successful fetch.
type ConfigMap map[string]ConfigValue

// SettingsMetadata carries the HTTP validators retained across polls
// to enable conditional requests.
type SettingsMetadata struct {
	LastModified string `json:"last_modified,omitempty"`
	ETag         string `json:"etag,omitempty"`
}

func (m SettingsMetadata) equal(other SettingsMetadata) bool {
	return m.LastModified == other.LastModified && m.ETag == other.ETag
}

func (m SettingsMetadata) empty() bool {
	return m.LastModified == "" && m.ETag == ""
}

// SdkSettings is the remote kill-switch document. The SDK serves
// defaults whenever AccountEnabled is false or SkipSdk is true.
type SdkSettings struct {
	AccountEnabled bool   `json:"cf_account_enabled"`
	SkipSdk        bool   `json:"cf_skip_sdk"`
	MinSdkVersion  string `json:"cf_min_sdk_version,omitempty"`
}

// EventType enumerates the telemetry event kinds accepted by the
// events endpoint.
type EventType string

const (
	EventTypeTrack        EventType = "track"
	EventTypeScreenView   EventType = "screen_view"
	EventTypeFeatureUsage EventType = "feature_usage"
)

func (t EventType) valid() bool {
	switch t {
	case EventTypeTrack, EventTypeScreenView, EventTypeFeatureUsage:
		return true
	}
	return false
}

// EventRecord is a single telemetry event as sent on the wire.
type EventRecord struct {
	EventID    string                 `json:"event_id"`
	CustomerID string                 `json:"event_customer_id"`
	EventType  EventType              `json:"event_type"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  int64                  `json:"event_timestamp"`
	SessionID  string                 `json:"session_id"`
	InsertID   string                 `json:"insert_id"`
}

// SummaryRecord captures that a variation was observed by a session.
type SummaryRecord struct {
	ConfigID     string `json:"config_id"`
	VariationID  string `json:"variation_id"`
	ExperienceID string `json:"experience_id"`
	RuleID       string `json:"rule_id"`
	FlagKey      string `json:"flag_key"`
	CustomerID   string `json:"user_customer_id"`
	SessionID    string `json:"session_id"`
	SummaryTime  int64  `json:"summary_time_ms"`
	BehaviourID  string `json:"behaviour_id"`
}

// dedupKey identifies a summary within its session: at most one
// summary per (session, flag, variation) is queued.
func (s SummaryRecord) dedupKey() string {
	return s.SessionID + "\x00" + s.FlagKey + "\x00" + s.VariationID
}

// RotationReason explains why a session id was replaced.
type RotationReason string

const (
	RotationAppStart            RotationReason = "APP_START"
	RotationMaxDurationExceeded RotationReason = "MAX_DURATION_EXCEEDED"
	RotationBackgroundTimeout   RotationReason = "BACKGROUND_TIMEOUT"
	RotationAuthChange          RotationReason = "AUTH_CHANGE"
	RotationManual              RotationReason = "MANUAL_ROTATION"
)

// SessionData is the persisted session record.
type SessionData struct {
	SessionID      string         `json:"session_id"`
	CreatedAt      int64          `json:"created_at"`
	LastActiveAt   int64          `json:"last_active_at"`
	AppStartTime   int64          `json:"app_start_time"`
	RotationReason RotationReason `json:"rotation_reason,omitempty"`
}

// SessionConfig controls session rotation behavior. The zero value
// enables every rotation trigger with the documented defaults, so a
// partially populated config keeps the triggers it does not mention.
type SessionConfig struct {
	MaxSessionDurationMs  int64 `json:"max_session_duration_ms"`
	MinSessionDurationMs  int64 `json:"min_session_duration_ms"`
	BackgroundThresholdMs int64 `json:"background_threshold_ms"`

	// DisableAppRestartRotation keeps the stored session across app
	// restarts regardless of the gap since the previous start.
	DisableAppRestartRotation bool `json:"disable_app_restart_rotation"`

	// DisableAuthRotation keeps the session when the signed-in user
	// changes.
	DisableAuthRotation bool `json:"disable_auth_rotation"`

	// DisableTimeBasedRotation lets sessions live past
	// MaxSessionDurationMs.
	DisableTimeBasedRotation bool `json:"disable_time_based_rotation"`

	SessionIDPrefix string `json:"session_id_prefix"`
}

// DefaultSessionConfig returns the documented session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{}.withDefaults()
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxSessionDurationMs <= 0 {
		c.MaxSessionDurationMs = DefaultMaxSessionDuration.Milliseconds()
	}
	if c.MinSessionDurationMs <= 0 {
		c.MinSessionDurationMs = DefaultMinSessionDuration.Milliseconds()
	}
	if c.BackgroundThresholdMs <= 0 {
		c.BackgroundThresholdMs = DefaultBackgroundThreshold.Milliseconds()
	}
	if c.SessionIDPrefix == "" {
		c.SessionIDPrefix = DefaultSessionIDPrefix
	}
	return c
}
