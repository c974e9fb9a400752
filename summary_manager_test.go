package customfit

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestSummaryManager_DeduplicatesWithinSession(t *testing.T) {
	c := qt.New(t)
	srv := newFakeServer(t)
	srv.setConfigs(ConfigMap{"feature": {Variation: "on", VariationID: "var1", ConfigID: "cfg1"}}, "lm-A", `"etag-A"`)

	client, err := NewDetachedClient(srv.clientConfig(), NewUser("u1"))
	c.Assert(err, qt.IsNil)
	defer client.Close()
	<-client.Ready()

	for i := 0; i < 5; i++ {
		client.GetStringFlag("feature", "")
	}
	c.Assert(client.summaries.pending(), qt.Equals, 1)

	c.Assert(client.FlushSummaries(context.Background()), qt.IsNil)
	batches := srv.postedSummaries()
	c.Assert(batches, qt.HasLen, 1)
	c.Assert(batches[0], qt.HasLen, 1)
	rec := batches[0][0]
	c.Assert(rec.FlagKey, qt.Equals, "feature")
	c.Assert(rec.VariationID, qt.Equals, "var1")
	c.Assert(rec.ConfigID, qt.Equals, "cfg1")
	c.Assert(rec.SessionID, qt.Equals, client.CurrentSessionID())
	c.Assert(rec.BehaviourID, qt.Not(qt.Equals), "")

	// The dedup set outlives the flush: a repeated read within the same
	// session queues nothing new.
	client.GetStringFlag("feature", "")
	c.Assert(client.summaries.pending(), qt.Equals, 0)
}

func TestSummaryManager_SessionRotationResetsDedup(t *testing.T) {
	c := qt.New(t)
	srv := newFakeServer(t)
	srv.setConfigs(ConfigMap{"feature": {Variation: "on", VariationID: "var1"}}, "lm-A", `"etag-A"`)

	client, err := NewDetachedClient(srv.clientConfig(), NewUser("u1"))
	c.Assert(err, qt.IsNil)
	defer client.Close()
	<-client.Ready()

	client.GetStringFlag("feature", "")
	c.Assert(client.summaries.pending(), qt.Equals, 1)

	client.ForceSessionRotation()
	ok := waitFor(t, 2*time.Second, func() bool {
		client.GetStringFlag("feature", "")
		return client.summaries.pending() >= 2
	})
	c.Assert(ok, qt.IsTrue, qt.Commentf("a rotated session may observe the same variation again"))
}

func TestSummaryManager_DistinctVariationsQueueSeparately(t *testing.T) {
	c := qt.New(t)
	srv := newFakeServer(t)
	srv.setConfigs(ConfigMap{
		"a": {Variation: "x", VariationID: "var-a"},
		"b": {Variation: "y", VariationID: "var-b"},
	}, "lm-A", `"etag-A"`)

	client, err := NewDetachedClient(srv.clientConfig(), NewUser("u1"))
	c.Assert(err, qt.IsNil)
	defer client.Close()
	<-client.Ready()

	client.GetStringFlag("a", "")
	client.GetStringFlag("b", "")
	c.Assert(client.summaries.pending(), qt.Equals, 2)
}

func TestSummaryManager_FailedFlushRequeuesAtHead(t *testing.T) {
	c := qt.New(t)
	srv := newFakeServer(t)
	srv.setConfigs(ConfigMap{"feature": {Variation: "on", VariationID: "var1"}}, "lm-A", `"etag-A"`)
	srv.setSummariesStatus(500)

	client, err := NewDetachedClient(srv.clientConfig(), NewUser("u1"))
	c.Assert(err, qt.IsNil)
	defer client.Close()
	<-client.Ready()

	client.GetStringFlag("feature", "")
	c.Assert(client.FlushSummaries(context.Background()), qt.IsNotNil)
	c.Assert(client.summaries.pending(), qt.Equals, 1)

	srv.setSummariesStatus(0)
	c.Assert(client.FlushSummaries(context.Background()), qt.IsNil)
	c.Assert(client.summaries.pending(), qt.Equals, 0)
}
