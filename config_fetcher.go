package customfit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/benbjohnson/clock"
)

// Breaker endpoint keys. Each endpoint trips independently.
const (
	endpointSettings    = "settings"
	endpointUserConfigs = "user_configs"
	endpointEvents      = "events"
	endpointSummaries   = "summaries"
)

// fetchedSettings is the settings document together with the
// validators it arrived with.
type fetchedSettings struct {
	settings SdkSettings
	meta     SettingsMetadata
}

// configsResponse is the outcome of a conditional user-configs POST.
type configsResponse struct {
	configs     ConfigMap
	meta        SettingsMetadata
	notModified bool
}

// configFetcher talks to the settings and API endpoints. Every request
// goes through the per-endpoint circuit breaker with the retry policy
// inside it, and reports its outcome to the connection monitor.
type configFetcher struct {
	http        *httpClient
	retry       RetryPolicy
	breakers    *breakerRegistry
	connection  *connectionMonitor
	logger      *leveledLogger
	clock       clock.Clock
	apiBaseURL  string
	settingsURL string
}

func newConfigFetcher(cfg Config, logger *leveledLogger, http *httpClient, breakers *breakerRegistry, connection *connectionMonitor, clk clock.Clock) *configFetcher {
	dimensionID := dimensionIDFromClientKey(cfg.ClientKey)
	return &configFetcher{
		http:        http,
		retry:       cfg.Retry,
		breakers:    breakers,
		connection:  connection,
		logger:      logger,
		clock:       clk,
		apiBaseURL:  cfg.APIBaseURL,
		settingsURL: fmt.Sprintf("%s/%s/cf-sdk-settings.json", cfg.SettingsBaseURL, dimensionID),
	}
}

// fetch runs op under the endpoint breaker with retries inside, and
// keeps the connection monitor in sync with the outcome.
func fetch[T any](f *configFetcher, ctx context.Context, endpoint string, op func() Result[T]) Result[T] {
	res := executeBreaker(f.breakers, endpoint, func() Result[T] {
		return retryOperation(ctx, f.logger, f.retry, endpoint, op)
	})
	if res.err != nil {
		// The breaker cooldown is the earliest the endpoint will be
		// tried again once it opens.
		f.connection.recordFailure(res.err, f.clock.Now().Add(f.breakers.cooldown))
	} else {
		f.connection.recordSuccess()
	}
	return res
}

// headSettingsMetadata issues a HEAD to cheaply read the current
// Last-Modified and ETag validators.
func (f *configFetcher) headSettingsMetadata(ctx context.Context) Result[SettingsMetadata] {
	return fetch(f, ctx, endpointSettings, func() Result[SettingsMetadata] {
		res := f.http.head(ctx, f.settingsURL, nil)
		if res.err != nil {
			return Fail[SettingsMetadata](res.err)
		}
		resp := res.value
		if resp.status != http.StatusOK {
			return Fail[SettingsMetadata](newError(categoryForStatus(resp.status), "settings HEAD returned %d", resp.status))
		}
		return Ok(SettingsMetadata{
			LastModified: resp.lastModified(),
			ETag:         resp.etag(),
		})
	})
}

// getSettings fetches the full SDK settings document.
func (f *configFetcher) getSettings(ctx context.Context) Result[fetchedSettings] {
	return fetch(f, ctx, endpointSettings, func() Result[fetchedSettings] {
		res := f.http.get(ctx, f.settingsURL, nil)
		if res.err != nil {
			return Fail[fetchedSettings](res.err)
		}
		resp := res.value
		if resp.status != http.StatusOK {
			return Fail[fetchedSettings](newError(categoryForStatus(resp.status), "settings GET returned %d", resp.status))
		}
		var settings SdkSettings
		if err := json.Unmarshal(resp.body, &settings); err != nil {
			return Fail[fetchedSettings](wrapError(CategorySerialization, err, "invalid settings body"))
		}
		return Ok(fetchedSettings{
			settings: settings,
			meta: SettingsMetadata{
				LastModified: resp.lastModified(),
				ETag:         resp.etag(),
			},
		})
	})
}

// postUserConfigs sends the canonical user and receives the evaluated
// config map. The previous validators are mirrored as conditional
// headers; a 304 reports notModified.
func (f *configFetcher) postUserConfigs(ctx context.Context, user userPayload, prev SettingsMetadata) Result[configsResponse] {
	body, err := json.Marshal(map[string]interface{}{"user": user})
	if err != nil {
		return Fail[configsResponse](wrapError(CategorySerialization, err, "cannot serialize user"))
	}
	headers := map[string]string{
		"If-Modified-Since": prev.LastModified,
		"If-None-Match":     prev.ETag,
	}
	return fetch(f, ctx, endpointUserConfigs, func() Result[configsResponse] {
		res := f.http.post(ctx, f.http.authURL(f.apiBaseURL+userConfigsPath), headers, body)
		if res.err != nil {
			return Fail[configsResponse](res.err)
		}
		resp := res.value
		if resp.status == http.StatusNotModified {
			return Ok(configsResponse{notModified: true, meta: prev})
		}
		if resp.status != http.StatusOK {
			return Fail[configsResponse](newError(categoryForStatus(resp.status), "user configs POST returned %d", resp.status))
		}
		var configs ConfigMap
		if err := json.Unmarshal(resp.body, &configs); err != nil {
			return Fail[configsResponse](wrapError(CategorySerialization, err, "invalid user configs body"))
		}
		return Ok(configsResponse{
			configs: configs,
			meta: SettingsMetadata{
				LastModified: resp.lastModified(),
				ETag:         resp.etag(),
			},
		})
	})
}

// postEvents sends one event batch.
func (f *configFetcher) postEvents(ctx context.Context, events []EventRecord) Result[int] {
	body, err := json.Marshal(map[string]interface{}{"events": events})
	if err != nil {
		return Fail[int](wrapError(CategorySerialization, err, "cannot serialize events"))
	}
	return fetch(f, ctx, endpointEvents, func() Result[int] {
		res := f.http.post(ctx, f.http.authURL(f.apiBaseURL+eventsPath), nil, body)
		if res.err != nil {
			return Fail[int](res.err)
		}
		if res.value.status < 200 || res.value.status >= 300 {
			return Fail[int](newError(categoryForStatus(res.value.status), "events POST returned %d", res.value.status))
		}
		return Ok(len(events))
	})
}

// postSummaries sends one summary batch.
func (f *configFetcher) postSummaries(ctx context.Context, summaries []SummaryRecord) Result[int] {
	body, err := json.Marshal(map[string]interface{}{"summaries": summaries})
	if err != nil {
		return Fail[int](wrapError(CategorySerialization, err, "cannot serialize summaries"))
	}
	return fetch(f, ctx, endpointSummaries, func() Result[int] {
		res := f.http.post(ctx, f.http.authURL(f.apiBaseURL+summariesPath), nil, body)
		if res.err != nil {
			return Fail[int](res.err)
		}
		if res.value.status < 200 || res.value.status >= 300 {
			return Fail[int](newError(categoryForStatus(res.value.status), "summaries POST returned %d", res.value.status))
		}
		return Ok(len(summaries))
	})
}
