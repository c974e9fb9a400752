package customfit

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// dimensionIDFromClientKey extracts the dimension id from a client key.
// Keys may be opaque tokens or JWTs; for a JWT the middle segment is
// base64url-decoded as JSON and its dimension_id field is used. Any
// parse failure yields an empty dimension id, which is tolerated.
func dimensionIDFromClientKey(clientKey string) string {
	segments := strings.Split(clientKey, ".")
	if len(segments) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(segments[1], "="))
	if err != nil {
		return ""
	}
	var claims struct {
		DimensionID string `json:"dimension_id"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.DimensionID
}
