package customfit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer emulates the settings document host and the API
// endpoints (user configs, events, summaries) in one httptest server.
type fakeServer struct {
	srv *httptest.Server
	t   testing.TB

	mu sync.Mutex

	settings       SdkSettings
	settingsStatus int
	settingsDelay  time.Duration
	lastModified   string
	etag           string

	configs            ConfigMap
	configsStatus      int
	configsNotModified bool

	eventsStatus    int
	summariesStatus int
	eventsDelay     time.Duration

	headCount        int
	settingsGetCount int
	configsCount     int

	eventBatches      [][]EventRecord
	summaryBatches    [][]SummaryRecord
	eventsPostedAt    []time.Time
	summariesPostedAt []time.Time

	lastConfigsHeaders http.Header
}

func newFakeServer(t testing.TB) *fakeServer {
	s := &fakeServer{
		t:            t,
		settings:     SdkSettings{AccountEnabled: true},
		lastModified: "Mon, 01 Jan 2024 00:00:00 GMT",
		etag:         `"v1"`,
		configs:      ConfigMap{},
	}
	s.srv = httptest.NewServer(s)
	t.Cleanup(s.srv.Close)
	return s
}

// clientConfig returns a configuration suitable for creating a client
// that talks to the fake server.
func (s *fakeServer) clientConfig() Config {
	return Config{
		ClientKey:       "fake-client-key",
		APIBaseURL:      s.srv.URL,
		SettingsBaseURL: s.srv.URL,
		LoggingEnabled:  true,
		LogLevel:        LogLevelDebug,
		Logger:          newTestLogger(s.t),
		Store:           NewMemoryStore(),
		Retry: RetryPolicy{
			MaxAttempts:  0,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	settingsDelay := s.settingsDelay
	eventsDelay := s.eventsDelay
	s.mu.Unlock()
	if settingsDelay > 0 && strings.HasSuffix(r.URL.Path, "cf-sdk-settings.json") {
		time.Sleep(settingsDelay)
	}
	if eventsDelay > 0 && r.URL.Path == eventsPath {
		time.Sleep(eventsDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.HasSuffix(r.URL.Path, "cf-sdk-settings.json"):
		s.serveSettings(w, r)
	case r.URL.Path == userConfigsPath:
		s.serveConfigs(w, r)
	case r.URL.Path == eventsPath:
		s.serveEvents(w, r)
	case r.URL.Path == summariesPath:
		s.serveSummaries(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *fakeServer) serveSettings(w http.ResponseWriter, r *http.Request) {
	status := s.settingsStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Last-Modified", s.lastModified)
	w.Header().Set("Etag", s.etag)
	if r.Method == http.MethodHead {
		s.headCount++
		w.WriteHeader(status)
		return
	}
	s.settingsGetCount++
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	json.NewEncoder(w).Encode(s.settings)
}

func (s *fakeServer) serveConfigs(w http.ResponseWriter, r *http.Request) {
	s.configsCount++
	s.lastConfigsHeaders = r.Header.Clone()
	if s.configsStatus != 0 {
		w.WriteHeader(s.configsStatus)
		return
	}
	if s.configsNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Last-Modified", s.lastModified)
	w.Header().Set("Etag", s.etag)
	json.NewEncoder(w).Encode(s.configs)
}

func (s *fakeServer) serveEvents(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var payload struct {
		Events []EventRecord `json:"events"`
	}
	json.Unmarshal(body, &payload)
	s.eventBatches = append(s.eventBatches, payload.Events)
	s.eventsPostedAt = append(s.eventsPostedAt, time.Now())
	if s.eventsStatus != 0 {
		w.WriteHeader(s.eventsStatus)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *fakeServer) serveSummaries(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var payload struct {
		Summaries []SummaryRecord `json:"summaries"`
	}
	json.Unmarshal(body, &payload)
	s.summaryBatches = append(s.summaryBatches, payload.Summaries)
	s.summariesPostedAt = append(s.summariesPostedAt, time.Now())
	if s.summariesStatus != 0 {
		w.WriteHeader(s.summariesStatus)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *fakeServer) setConfigs(configs ConfigMap, lastModified, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = configs
	s.lastModified = lastModified
	s.etag = etag
	s.configsNotModified = false
}

func (s *fakeServer) setSettings(settings SdkSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

func (s *fakeServer) setValidators(lastModified, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastModified = lastModified
	s.etag = etag
}

func (s *fakeServer) setSettingsDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settingsDelay = d
}

func (s *fakeServer) setNotModified(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configsNotModified = v
}

func (s *fakeServer) setEventsDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsDelay = d
}

func (s *fakeServer) setEventsStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsStatus = status
}

func (s *fakeServer) setSummariesStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summariesStatus = status
}

func (s *fakeServer) counts() (head, settingsGet, configs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headCount, s.settingsGetCount, s.configsCount
}

func (s *fakeServer) postedEvents() [][]EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]EventRecord, len(s.eventBatches))
	copy(out, s.eventBatches)
	return out
}

func (s *fakeServer) postedSummaries() [][]SummaryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]SummaryRecord, len(s.summaryBatches))
	copy(out, s.summaryBatches)
	return out
}

func (s *fakeServer) postTimes() (events, summaries []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.eventsPostedAt...), append([]time.Time(nil), s.summariesPostedAt...)
}

// testLogger routes SDK logging through the test log.
type testLogger struct {
	t testing.TB
}

func newTestLogger(t testing.TB) Logger {
	return testLogger{t: t}
}

func (l testLogger) GetLevel() LogLevel { return LogLevelDebug }

func (l testLogger) logf(level, format string, args ...interface{}) {
	l.t.Logf("[%s] %s", level, fmt.Sprintf(format, args...))
}

func (l testLogger) Debugf(format string, args ...interface{}) { l.logf("debug", format, args...) }
func (l testLogger) Infof(format string, args ...interface{})  { l.logf("info", format, args...) }
func (l testLogger) Warnf(format string, args ...interface{})  { l.logf("warn", format, args...) }
func (l testLogger) Errorf(format string, args ...interface{}) { l.logf("error", format, args...) }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t testing.TB, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
