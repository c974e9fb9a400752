package customfit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
)

// Default lifetime of the persisted config blob. A stale blob is not
// served; an almost-stale one triggers an opportunistic refresh.
const defaultCacheTTL = 24 * time.Hour

// cacheEntry wraps a persisted value with TTL bookkeeping.
type cacheEntry[T any] struct {
	Value     T                 `json:"value"`
	CreatedAt int64             `json:"created_at"`
	ExpiresAt int64             `json:"expires_at"`
	Key       string            `json:"key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (e cacheEntry[T]) isExpired(now time.Time) bool {
	return now.UnixMilli() > e.ExpiresAt
}

// nearExpiry reports whether less than 10% of the TTL remains, which
// is the trigger for a background refresh.
func (e cacheEntry[T]) nearExpiry(now time.Time) bool {
	total := e.ExpiresAt - e.CreatedAt
	if total <= 0 {
		return true
	}
	remaining := e.ExpiresAt - now.UnixMilli()
	return remaining*10 < total
}

// configBlob is the single persisted unit: the full config map plus
// the HTTP validators it was fetched with.
type configBlob struct {
	Configs      ConfigMap `json:"configs"`
	LastModified string    `json:"last_modified,omitempty"`
	ETag         string    `json:"etag,omitempty"`
}

// configCache persists the config map between runs so flag reads work
// before the first server response.
type configCache struct {
	store  Store
	clock  clock.Clock
	logger *leveledLogger
	ttl    time.Duration
}

func newConfigCache(store Store, clk clock.Clock, logger *leveledLogger) *configCache {
	return &configCache{
		store:  store,
		clock:  clk,
		logger: logger,
		ttl:    defaultCacheTTL,
	}
}

// save writes the config map and its validators as one blob.
func (c *configCache) save(ctx context.Context, configs ConfigMap, meta SettingsMetadata) error {
	now := c.clock.Now()
	entry := cacheEntry[configBlob]{
		Value: configBlob{
			Configs:      configs,
			LastModified: meta.LastModified,
			ETag:         meta.ETag,
		},
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(c.ttl).UnixMilli(),
		Key:       storeKeyConfigCache,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return wrapError(CategorySerialization, err, "cannot serialize config cache blob")
	}
	if err := c.store.Set(ctx, storeKeyConfigCache, string(data)); err != nil {
		return err
	}
	c.logger.Debugf("config cache saved (%d keys)", len(configs))
	return nil
}

// load reads the persisted blob. The second return value reports
// whether a usable (present, parseable, unexpired) blob was found; the
// third asks the caller for an early refresh.
func (c *configCache) load(ctx context.Context) (configBlob, bool, bool) {
	raw, found, err := c.store.Get(ctx, storeKeyConfigCache)
	if err != nil {
		c.logger.Errorf("config cache read failed: %v", err)
		return configBlob{}, false, false
	}
	if !found || raw == "" {
		return configBlob{}, false, false
	}
	var entry cacheEntry[configBlob]
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Errorf("config cache contained invalid blob: %v", err)
		return configBlob{}, false, false
	}
	now := c.clock.Now()
	if entry.isExpired(now) {
		c.logger.Debugf("config cache expired, ignoring")
		return configBlob{}, false, false
	}
	return entry.Value, true, entry.nearExpiry(now)
}

// clear removes the persisted blob.
func (c *configCache) clear(ctx context.Context) error {
	return c.store.Remove(ctx, storeKeyConfigCache)
}
