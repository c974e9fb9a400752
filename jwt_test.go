package customfit

import (
	"encoding/base64"
	"testing"

	qt "github.com/frankban/quicktest"
)

func jwtWithPayload(t *testing.T, payload string) string {
	t.Helper()
	enc := base64.RawURLEncoding.EncodeToString
	return enc([]byte(`{"alg":"none"}`)) + "." + enc([]byte(payload)) + ".sig"
}

func TestDimensionIDFromClientKey(t *testing.T) {
	c := qt.New(t)

	key := jwtWithPayload(t, `{"dimension_id":"dim-123","sub":"acct"}`)
	c.Assert(dimensionIDFromClientKey(key), qt.Equals, "dim-123")

	// Opaque tokens and malformed JWTs are tolerated silently.
	c.Assert(dimensionIDFromClientKey("plain-opaque-key"), qt.Equals, "")
	c.Assert(dimensionIDFromClientKey(""), qt.Equals, "")
	c.Assert(dimensionIDFromClientKey("a.b.c.d"), qt.Equals, "")
	c.Assert(dimensionIDFromClientKey("a.!!!not-base64!!!.c"), qt.Equals, "")
	c.Assert(dimensionIDFromClientKey(jwtWithPayload(t, `not json`)), qt.Equals, "")
	c.Assert(dimensionIDFromClientKey(jwtWithPayload(t, `{"sub":"acct"}`)), qt.Equals, "")
}

func TestDimensionIDFromClientKey_PaddedSegment(t *testing.T) {
	c := qt.New(t)
	enc := base64.RawURLEncoding.EncodeToString
	payload := enc([]byte(`{"dimension_id":"dim-9"}`)) + "=="
	key := enc([]byte(`{}`)) + "." + payload + ".sig"
	c.Assert(dimensionIDFromClientKey(key), qt.Equals, "dim-9")
}
