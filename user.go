package customfit

import (
	"encoding/json"
	"runtime"

	"github.com/google/uuid"
)

// ContextType classifies an evaluation context attached to a user.
type ContextType string

const (
	ContextTypeLocation ContextType = "LOCATION"
	ContextTypeDevice   ContextType = "DEVICE"
	ContextTypeSession  ContextType = "SESSION"
	ContextTypeCustom   ContextType = "CUSTOM"
)

// EvaluationContext is an additional targeting context sent to the
// server alongside the user.
type EvaluationContext struct {
	Type       ContextType            `json:"type"`
	Key        string                 `json:"key"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// User identifies the subject flags are evaluated for. User values are
// immutable: every mutator returns a new User and never touches the
// receiver or its property map.
type User struct {
	customerID  string
	anonymousID string
	deviceID    string
	anonymous   bool
	properties  map[string]interface{}
	contexts    []EvaluationContext
}

// NewUser returns a user identified by customerID.
func NewUser(customerID string) User {
	return User{customerID: customerID}
}

// NewAnonymousUser returns an anonymous user with a generated
// anonymous id.
func NewAnonymousUser() User {
	return User{anonymousID: uuid.NewString(), anonymous: true}
}

func (u User) CustomerID() string  { return u.customerID }
func (u User) AnonymousID() string { return u.anonymousID }
func (u User) DeviceID() string    { return u.deviceID }
func (u User) IsAnonymous() bool   { return u.anonymous }

// Property returns the named property value.
func (u User) Property(key string) (interface{}, bool) {
	v, ok := u.properties[key]
	return v, ok
}

// Contexts returns a copy of the user's evaluation contexts.
func (u User) Contexts() []EvaluationContext {
	out := make([]EvaluationContext, len(u.contexts))
	copy(out, u.contexts)
	return out
}

func (u User) cloneProperties() map[string]interface{} {
	props := make(map[string]interface{}, len(u.properties)+1)
	for k, v := range u.properties {
		props[k] = v
	}
	return props
}

// WithCustomerID returns a copy of the user with the customer id set.
func (u User) WithCustomerID(id string) User {
	u.customerID = id
	return u
}

// WithAnonymousID returns a copy of the user with the anonymous id set.
func (u User) WithAnonymousID(id string) User {
	u.anonymousID = id
	return u
}

// WithDeviceID returns a copy of the user with the device id set.
func (u User) WithDeviceID(id string) User {
	u.deviceID = id
	return u
}

// WithAnonymous returns a copy of the user with the anonymous flag set.
func (u User) WithAnonymous(anonymous bool) User {
	u.anonymous = anonymous
	return u
}

// WithProperty returns a copy of the user with one property added.
func (u User) WithProperty(key string, value interface{}) User {
	props := u.cloneProperties()
	props[key] = value
	u.properties = props
	return u
}

// WithProperties returns a copy of the user with all given properties
// merged in.
func (u User) WithProperties(values map[string]interface{}) User {
	props := u.cloneProperties()
	for k, v := range values {
		props[k] = v
	}
	u.properties = props
	return u
}

// WithContext returns a copy of the user with the context appended.
func (u User) WithContext(ec EvaluationContext) User {
	contexts := make([]EvaluationContext, len(u.contexts), len(u.contexts)+1)
	copy(contexts, u.contexts)
	u.contexts = append(contexts, ec)
	return u
}

// WithoutContext returns a copy of the user with the matching context
// removed.
func (u User) WithoutContext(contextType ContextType, key string) User {
	contexts := make([]EvaluationContext, 0, len(u.contexts))
	for _, ec := range u.contexts {
		if ec.Type == contextType && ec.Key == key {
			continue
		}
		contexts = append(contexts, ec)
	}
	u.contexts = contexts
	return u
}

// userPayload is the canonical wire serialization of a User.
type userPayload struct {
	CustomerID  string                 `json:"user_customer_id,omitempty"`
	AnonymousID string                 `json:"anonymous_id,omitempty"`
	Anonymous   bool                   `json:"anonymous"`
	Properties  map[string]interface{} `json:"properties"`
	Contexts    []EvaluationContext    `json:"contexts"`
}

// payload builds the canonical serialization. The device sub-object is
// always injected; when autoEnv is set it carries the runtime OS.
func (u User) payload(autoEnv bool) userPayload {
	props := u.cloneProperties()
	device := map[string]interface{}{
		"device_id":   u.deviceID,
		"sdk_type":    sdkType,
		"sdk_version": version,
	}
	if autoEnv {
		device["os_name"] = runtime.GOOS
	} else {
		device["os_name"] = ""
	}
	props["device"] = device
	contexts := u.contexts
	if contexts == nil {
		contexts = []EvaluationContext{}
	}
	return userPayload{
		CustomerID:  u.customerID,
		AnonymousID: u.anonymousID,
		Anonymous:   u.anonymous,
		Properties:  props,
		Contexts:    contexts,
	}
}

// userFromPayload rebuilds a User from its canonical serialization.
func userFromPayload(p userPayload) User {
	props := make(map[string]interface{}, len(p.Properties))
	for k, v := range p.Properties {
		if k == "device" {
			continue
		}
		props[k] = v
	}
	return User{
		customerID:  p.CustomerID,
		anonymousID: p.AnonymousID,
		anonymous:   p.Anonymous,
		properties:  props,
		contexts:    p.Contexts,
	}
}

// MarshalJSON serializes the user in its canonical form.
func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.payload(false))
}
