package customfit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	qt "github.com/frankban/quicktest"
)

func TestConfigCache_SaveLoadRoundTrip(t *testing.T) {
	c := qt.New(t)
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	cache := newConfigCache(NewMemoryStore(), clk, testLeveled(t))

	configs := ConfigMap{
		"hero_text": {Variation: "v1", VariationID: "var1", ConfigID: "cfg1"},
		"limit":     {Variation: float64(7)},
	}
	meta := SettingsMetadata{LastModified: "lm-A", ETag: `"etag-A"`}
	c.Assert(cache.save(context.Background(), configs, meta), qt.IsNil)

	blob, found, needsRefresh := cache.load(context.Background())
	c.Assert(found, qt.IsTrue)
	c.Assert(needsRefresh, qt.IsFalse)
	c.Assert(blob.LastModified, qt.Equals, "lm-A")
	c.Assert(blob.ETag, qt.Equals, `"etag-A"`)
	c.Assert(blob.Configs["hero_text"].Variation, qt.Equals, "v1")
	c.Assert(blob.Configs["limit"].Variation, qt.Equals, float64(7))
}

func TestConfigCache_ExpiredBlobIsIgnored(t *testing.T) {
	c := qt.New(t)
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	cache := newConfigCache(NewMemoryStore(), clk, testLeveled(t))

	c.Assert(cache.save(context.Background(), ConfigMap{"k": {Variation: "v"}}, SettingsMetadata{}), qt.IsNil)

	clk.Add(defaultCacheTTL + time.Minute)
	_, found, _ := cache.load(context.Background())
	c.Assert(found, qt.IsFalse)
}

func TestConfigCache_NearExpiryAsksForRefresh(t *testing.T) {
	c := qt.New(t)
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	cache := newConfigCache(NewMemoryStore(), clk, testLeveled(t))

	c.Assert(cache.save(context.Background(), ConfigMap{"k": {Variation: "v"}}, SettingsMetadata{}), qt.IsNil)

	// With over 10% of the TTL left, no refresh is requested.
	clk.Add(defaultCacheTTL / 2)
	_, found, needsRefresh := cache.load(context.Background())
	c.Assert(found, qt.IsTrue)
	c.Assert(needsRefresh, qt.IsFalse)

	// Under 10% remaining, a background refresh is requested but the
	// blob is still served.
	clk.Add(defaultCacheTTL/2 - time.Hour)
	blob, found, needsRefresh := cache.load(context.Background())
	c.Assert(found, qt.IsTrue)
	c.Assert(needsRefresh, qt.IsTrue)
	c.Assert(blob.Configs["k"].Variation, qt.Equals, "v")
}

func TestConfigCache_CorruptBlobIsIgnored(t *testing.T) {
	c := qt.New(t)
	store := NewMemoryStore()
	c.Assert(store.Set(context.Background(), storeKeyConfigCache, "{not json"), qt.IsNil)

	cache := newConfigCache(store, clock.New(), testLeveled(t))
	_, found, _ := cache.load(context.Background())
	c.Assert(found, qt.IsFalse)
}

func TestConfigCache_Clear(t *testing.T) {
	c := qt.New(t)
	cache := newConfigCache(NewMemoryStore(), clock.New(), testLeveled(t))

	c.Assert(cache.save(context.Background(), ConfigMap{"k": {Variation: "v"}}, SettingsMetadata{}), qt.IsNil)
	c.Assert(cache.clear(context.Background()), qt.IsNil)
	_, found, _ := cache.load(context.Background())
	c.Assert(found, qt.IsFalse)
}
